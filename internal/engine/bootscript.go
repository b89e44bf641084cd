package engine

import (
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"
)

// DefaultRunnerVersion is the actions runner release downloaded when the
// image does not ship a pre-installed runner.
const DefaultRunnerVersion = "2.321.0"

// bootScriptTemplate registers the instance as a self-hosted runner.
// When RunnerHomeDir is set the pre-installed runner is used; otherwise
// the release tarball is downloaded for the instance's architecture.
const bootScriptTemplate = `#!/bin/bash
{{- if .PreRunnerScript }}
{{ .PreRunnerScript }}
{{- end }}
{{- if .RunnerHomeDir }}
cd "{{ .RunnerHomeDir }}"
{{- else }}
mkdir -p actions-runner && cd actions-runner
case $(uname -m) in aarch64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac
curl -O -L "https://github.com/actions/runner/releases/download/v{{ .RunnerVersion }}/actions-runner-linux-${ARCH}-{{ .RunnerVersion }}.tar.gz"
tar xzf "./actions-runner-linux-${ARCH}-{{ .RunnerVersion }}.tar.gz"
{{- end }}
export RUNNER_ALLOW_RUNASROOT=1
./config.sh --url "{{ .RepoURL }}" --token "{{ .RegistrationToken }}" --name "{{ .Name }}" --labels "{{ .Label }}" --unattended
./run.sh
`

var bootTmpl = template.Must(template.New("bootscript").Parse(bootScriptTemplate))

// BootScript renders the user-data/startup script for spec.
func BootScript(spec StartSpec) (string, error) {
	if spec.RunnerVersion == "" {
		spec.RunnerVersion = DefaultRunnerVersion
	}

	var b strings.Builder
	if err := bootTmpl.Execute(&b, spec); err != nil {
		return "", fmt.Errorf("render boot script: %w", err)
	}
	return b.String(), nil
}

// BootScriptBase64 renders the boot script base64-encoded, the form EC2
// user data is submitted in.
func BootScriptBase64(spec StartSpec) (string, error) {
	script, err := BootScript(spec)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(script)), nil
}
