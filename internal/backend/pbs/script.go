package pbs

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const scriptName = "pbs.bash"

var scriptTemplate = template.Must(template.New(scriptName).Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
#PBS -q {{.Queue}}
#PBS -lselect={{.Select}}
#PBS -lwalltime={{.Walltime}}
{{- if .Site}}
#PBS -lsite={{.Site}}
{{- end}}
{{range .Modules}}
module load {{.}}
{{- end}}
{{- if .Venv}}
. {{.Venv}}
{{- end}}
cd {{quote .WorkDir}}
cwl-runner --singularity --no-match-user --no-read-only --tmpdir-prefix {{quote .TmpPrefix}} --leave-tmpdir --timestamps {{quote .Workflow}} {{quote .Inputs}} > cwl_runner.log 2>&1
echo "{\"exit_code\": $?}" > exit_code.json
{{- if .MetricsTool}}
{{.MetricsTool}} -l cwl_runner.log -e exit_code.json -p pbs.bash -m metrics.json --workdir {{quote .WorkDir}}
{{- end}}
`))

type scriptData struct {
	Queue       string
	Select      string
	Walltime    string
	Site        string
	Modules     []string
	Venv        string
	WorkDir     string
	TmpPrefix   string
	Workflow    string
	Inputs      string
	MetricsTool string
}

func renderScript(d scriptData) ([]byte, error) {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render job script: %w", err)
	}
	return buf.Bytes(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
