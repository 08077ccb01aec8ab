package verify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/onimenotsuki/keysely-n8n-infra/bootstrap"
)

// DockerAPI is the subset of the Docker client the container checks use.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// composeServiceLabel is set by docker compose on every service container.
const composeServiceLabel = "com.docker.compose.service"

// DefaultPorts are the local ports a healthy host listens on.
var DefaultPorts = []int{bootstrap.AppPort, 80, 443}

// Checker runs the host checks. Every dependency is a field so tests can
// replace it.
type Checker struct {
	Domain     string
	InstallDir string
	MarkerPath string
	Containers []string
	Ports      []int
	Timeout    time.Duration

	Docker    DockerAPI
	DockerErr error
	Dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	Resolve   func(ctx context.Context, host string) ([]string, error)
	PublicIP  func(ctx context.Context) (string, error)
	FetchHTTP func(ctx context.Context, url string) (int, error)

	Logger zerolog.Logger
}

// New returns a checker wired to the local Docker daemon, the system
// resolver and the instance metadata service. When domain is empty it is
// read from the install directory's environment file.
func New(domain string, logger zerolog.Logger) *Checker {
	c := &Checker{
		Domain:     domain,
		InstallDir: bootstrap.DefaultInstallDir,
		MarkerPath: bootstrap.MarkerPath,
		Containers: bootstrap.ContainerNames,
		Ports:      DefaultPorts,
		Timeout:    5 * time.Second,
		Logger:     logger,
	}
	c.Docker, c.DockerErr = newDockerClient()

	var d net.Dialer
	c.Dial = d.DialContext
	c.Resolve = net.DefaultResolver.LookupHost
	c.PublicIP = imdsPublicIP
	c.FetchHTTP = fetchHTTPS
	return c
}

func newDockerClient() (DockerAPI, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return cli, nil
}

func imdsPublicIP(ctx context.Context) (string, error) {
	client := imds.New(imds.Options{})
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "public-ipv4"})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()
	b, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func fetchHTTPS(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := &http.Client{
		// Redirects from the app are fine; the first response proves TLS works.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Run executes every check in order.
func (c *Checker) Run(ctx context.Context) *Report {
	r := &Report{}
	c.checkMarker(r)
	c.checkEnvFile(r)
	c.checkContainers(ctx, r)
	c.checkPorts(ctx, r)
	c.checkDNS(ctx, r)
	c.checkHTTPS(ctx, r)
	return r
}

func (c *Checker) envPath() string {
	return filepath.Join(c.InstallDir, bootstrap.EnvFileName)
}

// ResolveDomain fills Domain from the environment file when it was not
// given.
func (c *Checker) ResolveDomain() error {
	if c.Domain != "" {
		return nil
	}
	domain, err := DomainFromEnvFile(c.envPath())
	if err != nil {
		return fmt.Errorf("read domain from %s: %w", c.envPath(), err)
	}
	if domain == "" {
		return fmt.Errorf("N8N_HOST is not set in %s", c.envPath())
	}
	c.Domain = domain
	return nil
}

func (c *Checker) checkMarker(r *Report) {
	if _, err := os.Stat(c.MarkerPath); err != nil {
		r.warn("bootstrap", "marker %s missing, user data may still be running", c.MarkerPath)
		return
	}
	r.pass("bootstrap", "completed")
}

func (c *Checker) checkEnvFile(r *Report) {
	fi, err := os.Stat(c.envPath())
	if err != nil {
		r.fail("env file", "%s: %v", c.envPath(), err)
		return
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		r.warn("env file", "%s has mode %04o, expected 0600", c.envPath(), mode)
		return
	}
	r.pass("env file", "%s", c.envPath())
}

func (c *Checker) checkContainers(ctx context.Context, r *Report) {
	if c.DockerErr != nil || c.Docker == nil {
		r.fail("docker", "client unavailable: %v", c.DockerErr)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	if _, err := c.Docker.Ping(ctx); err != nil {
		r.fail("docker", "daemon unreachable: %v", err)
		return
	}
	list, err := c.Docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		r.fail("docker", "list containers: %v", err)
		return
	}
	r.pass("docker", "daemon reachable")

	for _, name := range c.Containers {
		check := "container " + name
		ctr, ok := findContainer(list, name)
		switch {
		case !ok:
			r.fail(check, "not found")
		case ctr.State != "running":
			r.fail(check, "%s (%s)", ctr.State, ctr.Status)
		case strings.Contains(ctr.Status, "(unhealthy)"):
			r.warn(check, "running but unhealthy: %s", ctr.Status)
		default:
			r.pass(check, "%s", ctr.Status)
		}
	}
}

// findContainer matches by container name or compose service label.
func findContainer(list []types.Container, name string) (types.Container, bool) {
	for _, ctr := range list {
		for _, n := range ctr.Names {
			if strings.TrimPrefix(n, "/") == name {
				return ctr, true
			}
		}
	}
	for _, ctr := range list {
		if ctr.Labels[composeServiceLabel] == name {
			return ctr, true
		}
	}
	return types.Container{}, false
}

func (c *Checker) checkPorts(ctx context.Context, r *Report) {
	for _, port := range c.Ports {
		addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
		check := "port " + fmt.Sprint(port)
		dctx, cancel := context.WithTimeout(ctx, c.timeout())
		conn, err := c.Dial(dctx, "tcp", addr)
		cancel()
		if err != nil {
			r.fail(check, "%s unreachable: %v", addr, err)
			continue
		}
		conn.Close()
		r.pass(check, "%s accepting connections", addr)
	}
}

func (c *Checker) checkDNS(ctx context.Context, r *Report) {
	if c.Domain == "" {
		r.fail("dns", "no domain configured")
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	addrs, err := c.Resolve(rctx, c.Domain)
	if err != nil || len(addrs) == 0 {
		r.fail("dns", "%s does not resolve: %v", c.Domain, err)
		return
	}

	ip, err := c.PublicIP(rctx)
	if err != nil || ip == "" {
		r.warn("dns", "%s resolves to %s, instance public IP unknown: %v", c.Domain, strings.Join(addrs, ", "), err)
		return
	}
	for _, a := range addrs {
		if a == ip {
			r.pass("dns", "%s resolves to %s", c.Domain, ip)
			return
		}
	}
	r.warn("dns", "%s resolves to %s, instance public IP is %s", c.Domain, strings.Join(addrs, ", "), ip)
}

func (c *Checker) checkHTTPS(ctx context.Context, r *Report) {
	if c.Domain == "" {
		return
	}
	url := "https://" + c.Domain + "/"
	hctx, cancel := context.WithTimeout(ctx, 2*c.timeout())
	defer cancel()
	status, err := c.FetchHTTP(hctx, url)
	if err != nil {
		if isCertificateError(err) {
			r.warn("https", "%s certificate not valid yet, it may still be issuing: %v", url, err)
		} else {
			r.warn("https", "%s: %v", url, err)
		}
		return
	}
	if status >= 500 {
		r.warn("https", "%s returned %d", url, status)
		return
	}
	r.pass("https", "%s returned %d", url, status)
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify)
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}
