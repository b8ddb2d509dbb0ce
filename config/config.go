// Package config loads and validates the declarative pipeline document:
// broker endpoint, reusable connectors, and the service graph with its
// hooks, formatters and ordering constraints. The document is YAML (JSON
// is accepted, being a YAML subset).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Fallback texts used when a pipeline declares no last-chance or timeout
// service and no override is configured.
const (
	DefaultLastChanceText = "Sorry, something went wrong inside. Please tell me, what did you say."
	DefaultTimeoutText    = "Sorry, I need to think more on that. Let's talk about something else."
)

const defaultResponseTimeout = 4 * time.Second

// Rabbit is the broker endpoint section.
type Rabbit struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	Login       string  `yaml:"login"`
	Password    string  `yaml:"password"`
	VirtualHost string  `yaml:"virtualhost"`
	TimeoutSec  float64 `yaml:"timeout_sec"`
}

// URL renders the section as an amqp connection string. Empty when no
// host is configured.
func (r Rabbit) URL() string {
	if r.Host == "" {
		return ""
	}
	port := r.Port
	if port == 0 {
		port = 5672
	}
	vhost := r.VirtualHost
	if vhost != "" && !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", r.Host, port),
		Path:   vhost,
	}
	if r.Login != "" {
		u.User = url.UserPassword(r.Login, r.Password)
	}
	return u.String()
}

// ConnectorDef declares one way of reaching a service. Protocol selects
// the implementation; the remaining fields apply per protocol.
type ConnectorDef struct {
	Protocol string `yaml:"protocol"`

	// http / http_batch
	URL        string   `yaml:"url"`
	URLs       []string `yaml:"urls"`
	BatchSize  int      `yaml:"batch_size"`
	TimeoutSec float64  `yaml:"timeout_sec"`

	// amqp
	ServiceName string `yaml:"service_name"`

	// predefined_text / predefined_output
	ResponseText string         `yaml:"response_text"`
	Annotations  map[string]any `yaml:"annotations"`
	Output       any            `yaml:"output"`

	// cel_selector
	Expression string `yaml:"expression"`
}

// ServiceDef declares one pipeline node. Connector is either a name from
// the connectors section or an inline ConnectorDef mapping.
type ServiceDef struct {
	Connector         any      `yaml:"connector"`
	StateHook         string   `yaml:"state_hook"`
	Tags              []string `yaml:"tags"`
	Label             string   `yaml:"label"`
	WorkflowFormatter string   `yaml:"workflow_formatter"`
	DialogFormatter   string   `yaml:"dialog_formatter"`
	ResponseFormatter string   `yaml:"response_formatter"`
	Previous          []string `yaml:"previous"`
	RequiredPrevious  []string `yaml:"required_previous"`
	IsEnabled         *bool    `yaml:"is_enabled"`
}

// Enabled reports whether the service takes part in the pipeline;
// the default is true.
func (s *ServiceDef) Enabled() bool {
	return s.IsEnabled == nil || *s.IsEnabled
}

// Document is the whole configuration file.
type Document struct {
	AgentName           string                  `yaml:"agent_name"`
	ResponseTimeoutSec  float64                 `yaml:"response_timeout_sec"`
	OverwriteLastChance string                  `yaml:"overwrite_last_chance"`
	OverwriteTimeout    string                  `yaml:"overwrite_timeout"`
	Rabbit              Rabbit                  `yaml:"rabbit"`
	Connectors          map[string]ConnectorDef `yaml:"connectors"`
	Services            map[string]yaml.Node    `yaml:"services"`
}

// ResponseTimeout returns the configured per-request deadline budget.
func (d *Document) ResponseTimeout() time.Duration {
	if d.ResponseTimeoutSec <= 0 {
		return defaultResponseTimeout
	}
	return time.Duration(d.ResponseTimeoutSec * float64(time.Second))
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pipeline config %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pipeline config %s", path)
	}
	return doc, nil
}

// Parse decodes and minimally validates the document: it must be a
// mapping with at least one service and an agent name.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "failed to parse document")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("pipeline config must be a mapping")
	}
	doc := &Document{}
	if err := root.Decode(doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	if doc.AgentName == "" {
		doc.AgentName = "agent"
	}
	if len(doc.Services) == 0 {
		return nil, errors.New("pipeline config declares no services")
	}
	return doc, nil
}

// flatService is a ServiceDef resolved to its full name and group.
type flatService struct {
	name  string
	group string
	def   ServiceDef
}

// flatten expands one level of service grouping: a mapping without a
// connector key is a group whose members get "group.name" names. Disabled
// services are dropped here.
func (d *Document) flatten() ([]flatService, map[string][]string, error) {
	var flat []flatService
	groups := map[string][]string{}

	for name, node := range d.Services {
		var probe map[string]any
		if err := node.Decode(&probe); err != nil {
			return nil, nil, errors.Wrapf(err, "service %q is not a mapping", name)
		}
		if _, single := probe["connector"]; single {
			var def ServiceDef
			if err := node.Decode(&def); err != nil {
				return nil, nil, errors.Wrapf(err, "invalid service %q", name)
			}
			if def.Enabled() {
				flat = append(flat, flatService{name: name, def: def})
				groups[name] = append(groups[name], name)
			}
			continue
		}
		var members map[string]ServiceDef
		if err := node.Decode(&members); err != nil {
			return nil, nil, errors.Wrapf(err, "invalid service group %q", name)
		}
		for member, def := range members {
			if !def.Enabled() {
				continue
			}
			full := name + "." + member
			if def.Label == "" {
				def.Label = full
			}
			flat = append(flat, flatService{name: full, group: name, def: def})
			groups[name] = append(groups[name], full)
			groups[full] = append(groups[full], full)
		}
	}
	return flat, groups, nil
}

// expandNames maps previous/required_previous entries through the group
// table, so a group name stands for all of its members. Unknown names are
// passed through for the pipeline DAG check to reject.
func expandNames(refs []string, groups map[string][]string) []string {
	var out []string
	for _, ref := range refs {
		if members, ok := groups[ref]; ok {
			out = append(out, members...)
			continue
		}
		out = append(out, ref)
	}
	return out
}
