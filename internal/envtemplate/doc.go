// Package envtemplate renders `.env.vibe` templates into concrete `.env`
// files.
//
// A template is an ordinary dotenv file that may contain placeholders:
//
//	# Web server
//	WEB_PORT={{ auto_port() }}
//	API_URL=http://localhost:{{ auto_port() }}/v1
//	BRANCH={{ branch() | main }}
//
// Two functions are recognized. auto_port() is replaced by a free port
// chosen by a PortAllocator and recorded in the result's AssignedPorts
// under the variable name on the left of "=". branch() is replaced by the
// attempt's branch name, or by the text after "|" when the branch name is
// empty. Anything else between "{{" and "}}" is copied through untouched.
//
// Rendering is all-or-nothing: if any port cannot be allocated the whole
// render fails and no assignments are returned.
package envtemplate
