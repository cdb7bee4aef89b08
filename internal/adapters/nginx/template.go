package nginx

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/melih/lighthouse/internal/core/domain"
)

var routeTmpl = template.Must(template.New("route").Parse(`# lighthouse route for /{{ .Slug }}/
location /{{ .Slug }}/ {
    proxy_pass http://{{ .UpstreamHost }}:{{ .UpstreamPort }}/;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_set_header X-Script-Name /{{ .Slug }};

    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_read_timeout 86400;

    sub_filter_once off;
    sub_filter_types text/html text/css text/javascript application/javascript;
    sub_filter 'src="/' 'src="/{{ .Slug }}/';
    sub_filter 'href="/' 'href="/{{ .Slug }}/';
    sub_filter 'action="/' 'action="/{{ .Slug }}/';
    sub_filter '"/_stcore/' '"/{{ .Slug }}/_stcore/';
    sub_filter '"/_stcore' '"/{{ .Slug }}/_stcore';
    sub_filter 'window.location.pathname' 'window.location.pathname.replace("/{{ .Slug }}", "")';
}

location /{{ .Slug }}/_stcore/stream {
    proxy_pass http://{{ .UpstreamHost }}:{{ .UpstreamPort }}/_stcore/stream;
    proxy_http_version 1.1;
    proxy_set_header Host $host;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_read_timeout 86400;
}

location ~ ^/{{ .Slug }}/(.*\.(css|js|png|jpg|jpeg|gif|ico|svg|woff|woff2|ttf|eot))$ {
    proxy_pass http://{{ .UpstreamHost }}:{{ .UpstreamPort }}/$1;
    proxy_set_header Host $host;
    expires 1y;
    add_header Cache-Control "public, immutable";
}
`))

var validHost = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// Render produces the route file text for r.
func Render(r domain.Route) (string, error) {
	if !domain.ValidSlug(r.Slug) {
		return "", domain.E(domain.KindInvalid, "render route", fmt.Sprintf("invalid slug %q", r.Slug))
	}
	if !validHost.MatchString(r.UpstreamHost) {
		return "", domain.E(domain.KindInvalid, "render route", fmt.Sprintf("invalid upstream host %q", r.UpstreamHost))
	}
	if r.UpstreamPort <= 0 || r.UpstreamPort > 65535 {
		return "", domain.E(domain.KindInvalid, "render route", fmt.Sprintf("invalid upstream port %d", r.UpstreamPort))
	}

	var buf bytes.Buffer
	if err := routeTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("failed to render route: %w", err)
	}
	return buf.String(), nil
}

var mainLocation = regexp.MustCompile(`(?m)^\s*location\s+/([a-z0-9-]+)/\s*\{[^}]*?proxy_pass\s+http://([A-Za-z0-9._-]+):(\d+)/;`)

// ParseProxyPass extracts the slug and upstream of the main location block.
func ParseProxyPass(text string) (domain.Route, error) {
	m := mainLocation.FindStringSubmatch(text)
	if m == nil {
		return domain.Route{}, fmt.Errorf("no proxy_pass in main location")
	}
	port, err := strconv.Atoi(m[3])
	if err != nil || port <= 0 || port > 65535 {
		return domain.Route{}, fmt.Errorf("invalid upstream port %q", m[3])
	}
	return domain.Route{Slug: m[1], UpstreamHost: m[2], UpstreamPort: port}, nil
}

// checkStructure is a cheap per-file syntax check run before the proxy's own
// validation: balanced braces and a main location matching the filename.
func checkStructure(slug, text string) error {
	depth := 0
	for i, line := range strings.Split(text, "\n") {
		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			return fmt.Errorf("unbalanced braces at line %d", i+1)
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces")
	}
	r, err := ParseProxyPass(text)
	if err != nil {
		return err
	}
	if r.Slug != slug {
		return fmt.Errorf("location /%s/ does not match file", r.Slug)
	}
	return nil
}
