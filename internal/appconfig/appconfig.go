// Package appconfig implements the process-level topology loader: one
// JSON (or YAML) file describing the input gateway, each source's
// listener config, each engine's tenants and modules, and each reactor's
// tenants and handlers. Module/handler entries name a compile-time
// (path, class) pair resolved against this package's registry.
// Per-instance config is staged into internal/runtimeconfig under the
// appropriate namespace; CLI `option=value` overrides are applied after
// the file and win.
package appconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dagainz/correlator/internal/engine"
	"github.com/dagainz/correlator/internal/handler"
	"github.com/dagainz/correlator/internal/handler/csv"
	"github.com/dagainz/correlator/internal/handler/logh"
	"github.com/dagainz/correlator/internal/handler/mail"
	"github.com/dagainz/correlator/internal/handler/sms"
	"github.com/dagainz/correlator/internal/module"
	"github.com/dagainz/correlator/internal/module/sshd"
	"github.com/dagainz/correlator/internal/reactor"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/secrets"
)

// ComponentSpec is one module-or-handler entry in the topology: "{module:
// [path, class], config: {...}, filter_expression?}".
type ComponentSpec struct {
	Name          string         `json:"name" yaml:"name"`
	Module        [2]string      `json:"module" yaml:"module"`
	Config        map[string]any `json:"config" yaml:"config"`
	FilterExpr    string         `json:"filter_expression,omitempty" yaml:"filter_expression,omitempty"`
	DefaultAction bool           `json:"default_action,omitempty" yaml:"default_action,omitempty"`
}

func (c ComponentSpec) registryKey() string { return c.Module[0] + "." + c.Module[1] }

func (c ComponentSpec) instanceName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Module[1]
}

// TenantModules is one engine tenant's ordered module list.
type TenantModules struct {
	Modules []ComponentSpec `json:"modules" yaml:"modules"`
}

// EngineSpec is one engine's topology entry.
type EngineSpec struct {
	Tenants map[string]TenantModules `json:"tenants" yaml:"tenants"`
}

// TenantHandlers is one reactor tenant's ordered handler list.
type TenantHandlers struct {
	Handlers []ComponentSpec `json:"handlers" yaml:"handlers"`
}

// ReactorSpec is one reactor's topology entry.
type ReactorSpec struct {
	Tenants map[string]TenantHandlers `json:"tenants" yaml:"tenants"`
}

// SourceSpec is one source's topology entry.
type SourceSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Config map[string]any `json:"config" yaml:"config"`
}

// Topology is the whole process-level topology file.
type Topology struct {
	InputProcessor map[string]any         `json:"input_processor,omitempty" yaml:"input_processor,omitempty"`
	Sources        []SourceSpec           `json:"sources,omitempty" yaml:"sources,omitempty"`
	Engines        map[string]EngineSpec  `json:"engines,omitempty" yaml:"engines,omitempty"`
	Reactors       map[string]ReactorSpec `json:"reactors,omitempty" yaml:"reactors,omitempty"`
}

// Load reads and parses path as JSON or YAML by file extension. Schema
// violations are returned, not panicked, so the caller can log and exit
// non-zero.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("appconfig: read %s: %w", path, err)
	}
	var t Topology
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, &t)
	} else {
		err = json.Unmarshal(data, &t)
	}
	if err != nil {
		return nil, fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	return &t, nil
}

// SourceSpecByID finds one source entry by id.
func (t *Topology) SourceSpecByID(id string) (SourceSpec, bool) {
	for _, s := range t.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceSpec{}, false
}

// ApplyOverride parses one "[option.]key=value" CLI override and binds
// it into cfg. If the key is already registered it is Set immediately;
// otherwise it is Staged for the component that will register it during
// its own Initialize.
func ApplyOverride(cfg *runtimeconfig.Store, raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("appconfig: override %q missing '='", raw)
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "option.")
	value = strings.TrimSpace(value)

	if _, err := cfg.Get(key); err != nil {
		var ce *runtimeconfig.ConfigError
		if errors.As(err, &ce) {
			cfg.Stage(key, value)
			return nil
		}
		return err
	}
	return cfg.Set(key, value)
}

// stageConfig queues every raw config value in raw under
// "<prefix>.<instance>.<key>", so it is already bound the moment the
// owning module/handler registers that key from its own Initialize.
func stageConfig(cfg *runtimeconfig.Store, prefix, instance string, raw map[string]any) {
	for k, v := range raw {
		cfg.Stage(runtimeconfig.FullyQualify(prefix, instance, k), v)
	}
}

// StageComponentConfig is stageConfig exported for the CLI entry points
// (cmd/correlator-source, cmd/correlator-gateway): a source's or the
// input gateway's own topology-file config block must be
// staged before that component's Register call so the staged values are
// already bound on first read, exactly like a module or handler's
// instance config.
func StageComponentConfig(cfg *runtimeconfig.Store, prefix, instance string, raw map[string]any) {
	stageConfig(cfg, prefix, instance, raw)
}

// --- compile-time module/handler registry ---

// ModuleConstructor builds a module instance bound to the engine's sink.
type ModuleConstructor func(fqName string, sink module.Sink) module.Module

// HandlerConstructor builds a handler instance from its topology config
// map and the shared credential provider.
type HandlerConstructor func(name string, cfg map[string]any, store secrets.Provider) (handler.Handler, error)

var moduleRegistry = map[string]ModuleConstructor{}
var handlerRegistry = map[string]HandlerConstructor{}

// RegisterModule adds a module constructor under id, the "path.class"
// form topology files use in their "module": [path, class] entries.
// Adding a new module means adding one RegisterModule call rather than
// dropping a file into a scanned directory.
func RegisterModule(id string, ctor ModuleConstructor) { moduleRegistry[id] = ctor }

// RegisterHandler adds a handler constructor under id.
func RegisterHandler(id string, ctor HandlerConstructor) { handlerRegistry[id] = ctor }

func init() {
	RegisterModule("correlator.module.sshd.Module", func(fqName string, sink module.Sink) module.Module {
		return sshd.New(fqName, sink)
	})

	RegisterHandler("correlator.handler.log.Handler", func(name string, cfg map[string]any, _ secrets.Provider) (handler.Handler, error) {
		return logh.New(name, stringField(cfg, "content_type", "")), nil
	})
	RegisterHandler("correlator.handler.csv.Handler", func(name string, cfg map[string]any, _ secrets.Provider) (handler.Handler, error) {
		return csv.New(name, csv.Config{
			OutputDirectory:  stringField(cfg, "output_directory", "."),
			RotateFiles:      intField(cfg, "rotate_files", 0),
			CacheFilehandles: boolField(cfg, "cache_filehandles", false),
			Enabled:          boolField(cfg, "enabled", true),
		}), nil
	})
	RegisterHandler("correlator.handler.mail.Handler", func(name string, cfg map[string]any, store secrets.Provider) (handler.Handler, error) {
		return mail.New(name, mail.Config{
			TemplateName: stringField(cfg, "template_name", ""),
			TextBody:     stringField(cfg, "text_body", ""),
			HTMLBody:     stringField(cfg, "html_body", ""),
			From:         stringField(cfg, "from", ""),
			To:           stringSliceField(cfg, "to"),
			SMTPHost:     stringField(cfg, "smtp_host", ""),
			SMTPPort:     int(intField(cfg, "smtp_port", 587)),
			CredentialID: stringField(cfg, "credential_id", ""),
			SMTPUser:     stringField(cfg, "smtp_user", ""),
		}, store, nil), nil
	})
	RegisterHandler("correlator.handler.sms.Handler", func(name string, cfg map[string]any, store secrets.Provider) (handler.Handler, error) {
		return sms.New(name, sms.Config{
			APIBaseURL: stringField(cfg, "api_base_url", ""),
			From:       stringField(cfg, "from", ""),
			To:         stringSliceField(cfg, "to"),
		}, store, nil), nil
	})
}

func stringField(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return def
}

func intField(cfg map[string]any, key string, def int64) int64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		if parsed, err := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64); err == nil {
			return parsed
		}
		return def
	}
}

func boolField(cfg map[string]any, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func stringSliceField(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprintf("%v", it))
	}
	return out
}

// BuildEngineTenants instantiates every module named in spec via the
// compile-time registry, queues its declared config for staged binding,
// and groups the resulting module.Module slices by tenant id, ready for
// engine.New. Module config is namespaced under "module.<tenant>.<instance
// name>.<key>", matching module.Config.Add's own "module.<name>."
// prefix once the engine calls Initialize.
func BuildEngineTenants(cfg *runtimeconfig.Store, spec EngineSpec, sink module.Sink) (map[string]*engine.Tenant, error) {
	tenants := make(map[string]*engine.Tenant, len(spec.Tenants))
	for tenantID, tm := range spec.Tenants {
		mods := make([]module.Module, 0, len(tm.Modules))
		for _, ms := range tm.Modules {
			ctor, ok := moduleRegistry[ms.registryKey()]
			if !ok {
				return nil, fmt.Errorf("appconfig: unknown module %q", ms.registryKey())
			}
			fqName := tenantID + "." + ms.instanceName()
			stageConfig(cfg, "module", fqName, ms.Config)
			mods = append(mods, ctor(fqName, sink))
		}
		tenants[tenantID] = &engine.Tenant{TenantID: tenantID, Modules: mods}
	}
	return tenants, nil
}

// BuildReactorTenants instantiates every handler named in spec via the
// registry, compiles its filter_expression (if any), and groups the
// resulting reactor.Binding slices by tenant id, ready for reactor.New.
// When a secrets store is bound, $SECRET:name references in a handler's
// config values are resolved before construction, so topology files
// never carry credentials in the clear.
func BuildReactorTenants(ctx context.Context, spec ReactorSpec, store secrets.Provider) (map[string]*reactor.Tenant, error) {
	var resolver *secrets.Resolver
	if store != nil {
		resolver = secrets.NewResolver(store)
	}

	tenants := make(map[string]*reactor.Tenant, len(spec.Tenants))
	for tenantID, th := range spec.Tenants {
		bindings := make([]reactor.Binding, 0, len(th.Handlers))
		for _, hs := range th.Handlers {
			ctor, ok := handlerRegistry[hs.registryKey()]
			if !ok {
				return nil, fmt.Errorf("appconfig: unknown handler %q", hs.registryKey())
			}
			handlerCfg := hs.Config
			if resolver != nil {
				resolved, err := resolver.ResolveConfig(ctx, handlerCfg)
				if err != nil {
					return nil, fmt.Errorf("appconfig: resolve secrets for handler %s: %w", hs.instanceName(), err)
				}
				handlerCfg = resolved
			}
			h, err := ctor(tenantID+"."+hs.instanceName(), handlerCfg, store)
			if err != nil {
				return nil, fmt.Errorf("appconfig: build handler %s: %w", hs.instanceName(), err)
			}
			filter, err := reactor.Compile(hs.FilterExpr)
			if err != nil {
				return nil, fmt.Errorf("appconfig: compile filter for handler %s: %w", hs.instanceName(), err)
			}
			bindings = append(bindings, reactor.Binding{Handler: h, Filter: filter, DefaultAction: hs.DefaultAction})
		}
		tenants[tenantID] = &reactor.Tenant{TenantID: tenantID, Handlers: bindings}
	}
	return tenants, nil
}
