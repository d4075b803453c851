// Package config loads the worker configuration.
//
// A configuration file is either YAML or CUE. Both are decoded over Default,
// so a file only names what it changes:
//
//	engine:
//	  wasm_path: /opt/texsandbox/swiftlatexpdftex.wasm
//	  memory_limit_pages: 16384
//	origin:
//	  endpoint: https://texlive.example.org/
//	  requests_per_second: 20
//
// CUE files are additionally unified with the #Worker schema before decoding,
// which rejects unknown fields and out-of-range values early:
//
//	engine: class: "xetex"
//	fs: work_mount: "/job"
package config
