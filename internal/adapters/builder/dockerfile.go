package builder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// DockerfileName is the generated build spec, kept apart from any
// Dockerfile the repository ships.
const DockerfileName = "Dockerfile.lighthouse"

// BaseImage is one entry of the base environment catalog.
type BaseImage struct {
	Key         string
	Description string
	From        string
	Setup       []string
}

// Catalog is the fixed set of build environments, smallest first.
var Catalog = []BaseImage{
	{
		Key:         domain.BaseMinimal,
		Description: "python 3.11 slim with streamlit only",
		From:        "python:3.11-slim",
		Setup: []string{
			"RUN pip install --upgrade pip",
			"RUN pip install --no-cache-dir streamlit==1.28.1",
		},
	},
	{
		Key:         domain.BaseStandard,
		Description: "python 3.11 with build tools and git",
		From:        "python:3.11",
		Setup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends curl git && rm -rf /var/lib/apt/lists/*",
			"RUN pip install --upgrade pip setuptools wheel",
			"RUN pip install --no-cache-dir streamlit==1.28.1",
		},
	},
	{
		Key:         domain.BaseDataScience,
		Description: "python 3.11 with the scientific stack preinstalled",
		From:        "python:3.11",
		Setup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends build-essential gfortran libopenblas-dev curl git && rm -rf /var/lib/apt/lists/*",
			"RUN pip install --upgrade pip setuptools wheel cython",
			"RUN pip install --no-cache-dir numpy pandas scipy matplotlib",
			"RUN pip install --no-cache-dir streamlit==1.28.1",
		},
	},
}

// LookupBase resolves a catalog key. "auto" and "" select the smallest entry.
func LookupBase(key string) (BaseImage, error) {
	if key == "" || key == domain.BaseAuto {
		return Catalog[0], nil
	}
	for _, b := range Catalog {
		if b.Key == key {
			return b, nil
		}
	}
	return BaseImage{}, fmt.Errorf("unknown base image type %q", key)
}

type dockerfileData struct {
	From            string
	Setup           []string
	CreateUser      bool
	HasRequirements bool
	CustomCommands  []string
	MainFile        string
	Labels          [][2]string
}

var dockerfileTmpl = template.Must(template.New("dockerfile").Funcs(template.FuncMap{
	"quote": func(s string) string { return fmt.Sprintf("%q", s) },
}).Parse(`FROM {{ .From }}

WORKDIR /app
{{ range .Setup }}
{{ . }}{{ end }}
{{- if .CreateUser }}

RUN useradd -m -u 1000 streamlit && chown -R streamlit:streamlit /app
{{- end }}
{{ range .Labels }}
LABEL {{ index . 0 }}={{ quote (index . 1) }}{{ end }}
{{- if .HasRequirements }}

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
{{- end }}
{{- if .CustomCommands }}
{{ range .CustomCommands }}
{{ . }}{{ end }}
{{- end }}

COPY . .

RUN find . -name "*.pyc" -delete && \
    find . -name "__pycache__" -type d -exec rm -rf {} + || true
{{- if .CreateUser }}

USER streamlit
{{- end }}

EXPOSE 8501

ENTRYPOINT ["streamlit", "run", {{ quote .MainFile }}, \
    "--server.port=8501", \
    "--server.address=0.0.0.0", \
    "--server.headless=true", \
    "--server.enableCORS=false", \
    "--server.enableXsrfProtection=false"]
`))

// Synthesizer implements ports.SpecSynthesizer.
type Synthesizer struct {
	now func() time.Time
}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{now: time.Now}
}

// SynthesizeBuildSpec writes DockerfileName into workDir and returns its path.
func (s *Synthesizer) SynthesizeBuildSpec(workDir string, opts ports.BuildOptions) (string, error) {
	if opts.MainFile == "" || strings.ContainsAny(opts.MainFile, "\"\n") || filepath.IsAbs(opts.MainFile) {
		return "", domain.E(domain.KindBuild, "synthesize", opts.AppID, fmt.Sprintf("invalid main file %q", opts.MainFile))
	}

	_, err := os.Stat(filepath.Join(workDir, "requirements.txt"))
	hasReq := err == nil

	data := dockerfileData{
		HasRequirements: hasReq,
		MainFile:        opts.MainFile,
	}

	custom := strings.TrimSpace(opts.CustomBaseImage)
	if custom != "" {
		data.From = custom
		data.CustomCommands = stripFrom(opts.CustomCommands)
	} else {
		base, err := LookupBase(opts.BaseImageType)
		if err != nil {
			return "", domain.E(domain.KindBuild, "synthesize", opts.AppID, err)
		}
		data.From = base.From
		data.Setup = base.Setup
		data.CreateUser = true
		data.CustomCommands = nonEmptyLines(opts.CustomCommands)
	}

	data.Labels = [][2]string{
		{"app.main_file", opts.MainFile},
		{"app.created", s.now().UTC().Format(time.RFC3339)},
		{"app.has_requirements", fmt.Sprint(hasReq)},
		{"app.has_custom_commands", fmt.Sprint(len(data.CustomCommands) > 0)},
		{"app.custom_base_image", fmt.Sprint(custom != "")},
	}

	var buf bytes.Buffer
	if err := dockerfileTmpl.Execute(&buf, data); err != nil {
		return "", domain.E(domain.KindBuild, "synthesize", opts.AppID, "failed to render dockerfile", err)
	}

	path := filepath.Join(workDir, DockerfileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", domain.E(domain.KindBuild, "synthesize", opts.AppID, "failed to write dockerfile", err)
	}
	return path, nil
}

// stripFrom drops FROM instructions so a custom base cannot be overridden.
func stripFrom(commands string) []string {
	var out []string
	for _, line := range nonEmptyLines(commands) {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "FROM ") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimRight(line, "\r"))
		}
	}
	return out
}
