package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// workerSchema constrains CUE configuration files. Fields are optional;
// omitted ones keep their defaults.
const workerSchema = `
#Worker: {
	engine?: {
		wasm_path?:          string & !=""
		class?:              "pdftex" | "xetex"
		format_file?:        string & !=""
		entry_file?:         string & !=""
		memory_limit_pages?: int & >0 & <=65536
		checkpoint_globals?: [...string & !=""]
		run_bibliography?:   bool
		verify_restore?:     bool
		max_message_size?:   int & >=0
	}
	fs?: {
		cache_dir?:   string & !=""
		work_dir?:    string & !=""
		cache_mount?: =~"^/"
		work_mount?:  =~"^/"
	}
	origin?: {
		endpoint?:            =~"^https?://"
		timeout?:             string
		requests_per_second?: number & >=0
		burst?:               int & >=0
		user_agent?:          string
	}
	telemetry?: {...}
}
`

// schema compiles the worker schema in ctx and returns the #Worker definition.
func schema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(workerSchema, cue.Filename("worker_schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile worker schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Worker"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("worker schema has no #Worker definition: %w", err)
	}
	return def, nil
}
