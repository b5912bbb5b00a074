// Package runtimeconf loads runtime profiles: the named bundles that describe
// how a sandbox is built for a given runtime id.
//
// Profiles live in a YAML file:
//
//	runtimes:
//	  - id: plc_python_shared
//	    image: plcontainer/python:3.11
//	    command: /clientdir/pyclient.sh
//	    memory: 512m
//	    cpu_share: 1024
//	    roles: [analyst]
//	    shared_directories:
//	      - host: /usr/local/plcontainer/bin
//	        container: /clientdir
//	        access: ro
//
// Unknown keys are rejected. A Table holds the parsed profiles and can be
// reloaded in place.
package runtimeconf
