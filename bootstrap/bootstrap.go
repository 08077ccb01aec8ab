// Package bootstrap renders the first-boot script that turns a fresh Amazon
// Linux host into a running n8n/PostgreSQL/Caddy composition.
package bootstrap

import (
	"fmt"
	"path"
	"strings"
	"text/template"

	"mvdan.cc/sh/v3/syntax"
)

// Filesystem layout on the host.
const (
	DefaultInstallDir = "/opt/n8n"
	EnvFileName       = ".env"
	ComposeFileName   = "docker-compose.yml"
	CaddyfileName     = "Caddyfile"
	MarkerPath        = "/var/lib/n8n-bootstrap/done"
	LogPath           = "/var/log/n8n-bootstrap.log"
	UnitName          = "n8n-compose.service"

	DefaultComposeVersion = "v2.32.4"
	DefaultPostgresImage  = "postgres:16-alpine"
	DefaultCaddyImage     = "caddy:2-alpine"
	N8NImageRepository    = "docker.n8n.io/n8nio/n8n"
)

// Options parameterizes the rendered script.
type Options struct {
	Domain         string
	ACMEEmail      string
	N8NVersion     string
	Timezone       string
	InstallDir     string
	ComposeVersion string
	PostgresImage  string
	CaddyImage     string
}

func (o Options) withDefaults() Options {
	if o.N8NVersion == "" {
		o.N8NVersion = "latest"
	}
	if o.Timezone == "" {
		o.Timezone = "UTC"
	}
	if o.InstallDir == "" {
		o.InstallDir = DefaultInstallDir
	}
	if o.ComposeVersion == "" {
		o.ComposeVersion = DefaultComposeVersion
	}
	if o.PostgresImage == "" {
		o.PostgresImage = DefaultPostgresImage
	}
	if o.CaddyImage == "" {
		o.CaddyImage = DefaultCaddyImage
	}
	if o.ACMEEmail == "" {
		o.ACMEEmail = "admin@" + o.Domain
	}
	return o
}

// N8NImage returns the fully qualified application image reference.
func (o Options) N8NImage() string {
	v := o.N8NVersion
	if v == "" {
		v = "latest"
	}
	return N8NImageRepository + ":" + v
}

// EnvVar is one line of the generated .env file. Secret values are produced
// on the host at boot and are never part of the rendered script.
type EnvVar struct {
	Name      string
	Value     string
	RandomHex int // bytes of randomness; zero for a static value
}

// EnvVars returns the runtime variables written to the .env file.
func EnvVars(o Options) []EnvVar {
	o = o.withDefaults()
	return []EnvVar{
		{Name: "POSTGRES_USER", Value: "n8n"},
		{Name: "POSTGRES_DB", Value: "n8n"},
		{Name: "POSTGRES_PASSWORD", RandomHex: 24},
		{Name: "N8N_ENCRYPTION_KEY", RandomHex: 32},
		{Name: "N8N_HOST", Value: o.Domain},
		{Name: "GENERIC_TIMEZONE", Value: o.Timezone},
	}
}

func (e EnvVar) shellLine() (string, error) {
	if e.RandomHex > 0 {
		return fmt.Sprintf(`printf '%%s=%%s\n' %s "$(openssl rand -hex %d)"`, e.Name, e.RandomHex), nil
	}
	v, err := quote(e.Value)
	if err != nil {
		return "", fmt.Errorf("quote %s: %w", e.Name, err)
	}
	return fmt.Sprintf(`printf '%%s=%%s\n' %s %s`, e.Name, v), nil
}

// Unit renders the systemd unit that keeps the composition up across reboots.
func Unit(o Options) string {
	o = o.withDefaults()
	return strings.Join([]string{
		"[Unit]",
		"Description=n8n docker compose stack",
		"Requires=docker.service",
		"After=docker.service network-online.target",
		"Wants=network-online.target",
		"",
		"[Service]",
		"Type=oneshot",
		"RemainAfterExit=yes",
		"WorkingDirectory=" + o.InstallDir,
		"ExecStart=/usr/bin/docker compose up -d --remove-orphans",
		"ExecStop=/usr/bin/docker compose down",
		"TimeoutStartSec=0",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	}, "\n")
}

// quote renders s as a single bash word that expands back to s.
func quote(s string) (string, error) {
	return syntax.Quote(s, syntax.LangBash)
}

// writeFileCmds returns commands that create path with the given mode and
// contents. The file is created with its final mode before data is written.
func writeFileCmds(p string, mode uint, contents string) ([]string, error) {
	qp, err := quote(p)
	if err != nil {
		return nil, fmt.Errorf("quote path %s: %w", p, err)
	}
	qc, err := quote(strings.TrimSuffix(contents, "\n"))
	if err != nil {
		return nil, fmt.Errorf("quote contents of %s: %w", p, err)
	}
	return []string{
		fmt.Sprintf("install -D -m %o /dev/null %s", mode, qp),
		fmt.Sprintf("printf '%%s\\n' %s > %s", qc, qp),
	}, nil
}

var scriptTmpl = template.Must(template.New("user-data").Parse(`#!/bin/bash
# n8n host bootstrap for {{.Domain}}
set -euo pipefail
exec > >(tee -a {{.LogPath}}) 2>&1

if [ -f {{.Marker}} ]; then
  echo "bootstrap already completed at $(cat {{.Marker}})"
  exit 0
fi

echo "==> installing packages"
dnf install -y docker openssl
systemctl enable --now docker

echo "==> installing docker compose {{.ComposeVersion}}"
ARCH="$(uname -m)"
install -d -m 0755 /usr/local/lib/docker/cli-plugins
curl -fsSL --retry 5 -o /usr/local/lib/docker/cli-plugins/docker-compose \
  "https://github.com/docker/compose/releases/download/{{.ComposeVersion}}/docker-compose-linux-${ARCH}"
chmod 0755 /usr/local/lib/docker/cli-plugins/docker-compose
docker compose version

install -d -m 0750 {{.InstallDir}}
cd {{.InstallDir}}

echo "==> writing runtime configuration"
if [ ! -f {{.EnvPath}} ]; then
  (
    umask 077
    {
{{- range .EnvLines}}
      {{.}}
{{- end}}
    } > {{.EnvPath}}
  )
fi
chmod 0600 {{.EnvPath}}

echo "==> writing compose project"
{{- range .FileCmds}}
{{.}}
{{- end}}

echo "==> pulling images"
docker compose pull

echo "==> starting services"
systemctl daemon-reload
systemctl enable --now {{.UnitName}}

install -D -m 0644 /dev/null {{.Marker}}
date -u +%Y-%m-%dT%H:%M:%SZ > {{.Marker}}
echo "==> n8n is starting at https://{{.Domain}}"
`))

// Render produces the bootstrap script. The result is parsed as bash before
// it is returned so a malformed script never reaches an instance.
func Render(o Options) (string, error) {
	if o.Domain == "" {
		return "", fmt.Errorf("bootstrap: domain is required")
	}
	o = o.withDefaults()

	compose, err := Compose(o).YAML()
	if err != nil {
		return "", fmt.Errorf("bootstrap: render compose file: %w", err)
	}

	var envLines []string
	for _, e := range EnvVars(o) {
		line, err := e.shellLine()
		if err != nil {
			return "", fmt.Errorf("bootstrap: %w", err)
		}
		envLines = append(envLines, line)
	}

	files := []struct {
		path     string
		contents string
	}{
		{path.Join(o.InstallDir, ComposeFileName), string(compose)},
		{path.Join(o.InstallDir, CaddyfileName), Caddyfile(o)},
		{path.Join("/etc/systemd/system", UnitName), Unit(o)},
	}
	var fileCmds []string
	for _, f := range files {
		cmds, err := writeFileCmds(f.path, 0o644, f.contents)
		if err != nil {
			return "", fmt.Errorf("bootstrap: %w", err)
		}
		fileCmds = append(fileCmds, cmds...)
	}

	installDir, err := quote(o.InstallDir)
	if err != nil {
		return "", fmt.Errorf("bootstrap: quote install dir: %w", err)
	}
	envPath, err := quote(path.Join(o.InstallDir, EnvFileName))
	if err != nil {
		return "", fmt.Errorf("bootstrap: quote env path: %w", err)
	}

	var b strings.Builder
	err = scriptTmpl.Execute(&b, map[string]any{
		"Domain":         o.Domain,
		"LogPath":        LogPath,
		"Marker":         MarkerPath,
		"ComposeVersion": o.ComposeVersion,
		"InstallDir":     installDir,
		"EnvPath":        envPath,
		"EnvLines":       envLines,
		"FileCmds":       fileCmds,
		"UnitName":       UnitName,
	})
	if err != nil {
		return "", fmt.Errorf("bootstrap: render script: %w", err)
	}

	script := b.String()
	if err := Check(script); err != nil {
		return "", err
	}
	return script, nil
}

// Check parses script as bash.
func Check(script string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(script), "user-data"); err != nil {
		return fmt.Errorf("bootstrap: script does not parse: %w", err)
	}
	return nil
}
