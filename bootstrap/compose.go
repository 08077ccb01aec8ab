package bootstrap

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Container names of the fixed composition.
const (
	AppContainer      = "n8n"
	DatabaseContainer = "postgres"
	ProxyContainer    = "caddy"

	AppPort = 5678
)

// ContainerNames lists the containers a healthy host runs.
var ContainerNames = []string{AppContainer, DatabaseContainer, ProxyContainer}

// ComposeFile is the subset of the compose specification the host uses.
type ComposeFile struct {
	Name     string              `yaml:"name"`
	Services map[string]Service  `yaml:"services"`
	Volumes  map[string]struct{} `yaml:"volumes"`
}

// Service is a compose service definition.
type Service struct {
	Image         string               `yaml:"image"`
	ContainerName string               `yaml:"container_name"`
	Restart       string               `yaml:"restart"`
	Command       []string             `yaml:"command,omitempty"`
	Environment   map[string]string    `yaml:"environment,omitempty"`
	Ports         []string             `yaml:"ports,omitempty"`
	Volumes       []string             `yaml:"volumes,omitempty"`
	DependsOn     map[string]DependsOn `yaml:"depends_on,omitempty"`
	Healthcheck   *Healthcheck         `yaml:"healthcheck,omitempty"`
}

// DependsOn is the long form of a compose dependency.
type DependsOn struct {
	Condition string `yaml:"condition"`
}

// Healthcheck is a compose container healthcheck.
type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

// Compose builds the application/database/proxy composition. Credentials are
// interpolated by compose from the generated .env file in the project
// directory; they never appear in the rendered file.
func Compose(o Options) ComposeFile {
	o = o.withDefaults()
	return ComposeFile{
		Name: "n8n",
		Services: map[string]Service{
			DatabaseContainer: {
				Image:         o.PostgresImage,
				ContainerName: DatabaseContainer,
				Restart:       "unless-stopped",
				Environment: map[string]string{
					"POSTGRES_USER":     "${POSTGRES_USER}",
					"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD}",
					"POSTGRES_DB":       "${POSTGRES_DB}",
				},
				Volumes: []string{"postgres_data:/var/lib/postgresql/data"},
				Healthcheck: &Healthcheck{
					Test:        []string{"CMD-SHELL", "pg_isready -U $${POSTGRES_USER} -d $${POSTGRES_DB}"},
					Interval:    "10s",
					Timeout:     "5s",
					Retries:     5,
					StartPeriod: "20s",
				},
			},
			AppContainer: {
				Image:         o.N8NImage(),
				ContainerName: AppContainer,
				Restart:       "unless-stopped",
				Environment: map[string]string{
					"DB_TYPE":                "postgresdb",
					"DB_POSTGRESDB_HOST":     DatabaseContainer,
					"DB_POSTGRESDB_PORT":     "5432",
					"DB_POSTGRESDB_DATABASE": "${POSTGRES_DB}",
					"DB_POSTGRESDB_USER":     "${POSTGRES_USER}",
					"DB_POSTGRESDB_PASSWORD": "${POSTGRES_PASSWORD}",
					"N8N_HOST":               "${N8N_HOST}",
					"N8N_PORT":               fmt.Sprint(AppPort),
					"N8N_PROTOCOL":           "https",
					"N8N_PROXY_HOPS":         "1",
					"WEBHOOK_URL":            "https://${N8N_HOST}/",
					"N8N_ENCRYPTION_KEY":     "${N8N_ENCRYPTION_KEY}",
					"GENERIC_TIMEZONE":       "${GENERIC_TIMEZONE}",
					"TZ":                     "${GENERIC_TIMEZONE}",
					"N8N_RUNNERS_ENABLED":    "true",
				},
				Ports:   []string{fmt.Sprintf("127.0.0.1:%d:%d", AppPort, AppPort)},
				Volumes: []string{"n8n_data:/home/node/.n8n"},
				DependsOn: map[string]DependsOn{
					DatabaseContainer: {Condition: "service_healthy"},
				},
			},
			ProxyContainer: {
				Image:         o.CaddyImage,
				ContainerName: ProxyContainer,
				Restart:       "unless-stopped",
				Ports:         []string{"80:80", "443:443", "443:443/udp"},
				Volumes: []string{
					"./Caddyfile:/etc/caddy/Caddyfile:ro",
					"caddy_data:/data",
					"caddy_config:/config",
				},
				DependsOn: map[string]DependsOn{
					AppContainer: {Condition: "service_started"},
				},
			},
		},
		Volumes: map[string]struct{}{
			"postgres_data": {},
			"n8n_data":      {},
			"caddy_data":    {},
			"caddy_config":  {},
		},
	}
}

// YAML renders the compose file.
func (c ComposeFile) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Caddyfile renders the reverse proxy configuration. Caddy obtains and renews
// the certificate for the site address automatically.
func Caddyfile(o Options) string {
	o = o.withDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "{\n\temail %s\n}\n\n", o.ACMEEmail)
	fmt.Fprintf(&b, "%s {\n", o.Domain)
	b.WriteString("\tencode zstd gzip\n")
	fmt.Fprintf(&b, "\treverse_proxy %s:%d {\n", AppContainer, AppPort)
	b.WriteString("\t\tflush_interval -1\n")
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String()
}
