package verify

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// ParseDotenv parses KEY=VALUE lines. Quoted values are unquoted; blank
// lines and # comments are skipped.
func ParseDotenv(r io.Reader) (map[string]string, error) {
	result := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			result[key] = value
		}
	}
	return result, scanner.Err()
}

// DomainFromEnvFile returns N8N_HOST from the environment file at path.
func DomainFromEnvFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	env, err := ParseDotenv(f)
	if err != nil {
		return "", err
	}
	return env["N8N_HOST"], nil
}
