package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

const defaultHealthcheckURL = "/"

// Bundle is the runtime configuration delivered by the orchestrator. Each
// section is merged key by key over the defaults.
type Bundle struct {
	Application      map[string]interface{}
	ElasticBeanstalk map[string]interface{}
	Container        map[string]interface{}
}

// DefaultBundle is the configuration in effect before any bundle arrives.
func DefaultBundle() *Bundle {
	return &Bundle{
		Application: map[string]interface{}{},
		ElasticBeanstalk: map[string]interface{}{
			marker.SectionApplication: map[string]interface{}{
				marker.SettingHealthcheckURL: defaultHealthcheckURL,
				marker.SettingLogStorage:     "lincoln",
			},
		},
		Container: map[string]interface{}{},
	}
}

// ParseBundle merges decrypted bundle JSON over the defaults. Section names
// are matched without regard to case and unknown sections are ignored.
func ParseBundle(data []byte) (*Bundle, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, errors.New("configuration bundle is not valid JSON")
	}
	b := DefaultBundle()
	for name, raw := range sections {
		var into map[string]interface{}
		switch strings.ToLower(name) {
		case marker.BundleApplication:
			into = b.Application
		case marker.BundleElasticBeanstalk:
			into = b.ElasticBeanstalk
		case marker.BundleContainer:
			into = b.Container
		default:
			continue
		}
		var section map[string]interface{}
		if err := json.Unmarshal(raw, &section); err != nil {
			return nil, errors.Errorf("configuration section %q is not an object", name)
		}
		for k, v := range section {
			into[k] = v
		}
	}
	return b, nil
}

func (b *Bundle) setting(section map[string]interface{}, group, name string) (interface{}, bool) {
	g, ok := section[group].(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := g[name]
	return v, ok
}

func (b *Bundle) settingString(section map[string]interface{}, group, name string) string {
	v, ok := b.setting(section, group, name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ChangeSeverity is the lower-cased severity of the latest configuration
// change.
func (b *Bundle) ChangeSeverity() string {
	return strings.ToLower(b.settingString(b.ElasticBeanstalk, marker.SectionHostManager, marker.SettingChangeSeverity))
}

// LogPublication reports whether pending file publications are reported.
func (b *Bundle) LogPublication() bool {
	return strings.EqualFold(b.settingString(b.ElasticBeanstalk, marker.SectionHostManager, marker.SettingLogPublication), "true")
}

func (b *Bundle) HealthcheckURL() string {
	if u := b.settingString(b.ElasticBeanstalk, marker.SectionApplication, marker.SettingHealthcheckURL); u != "" {
		return u
	}
	return defaultHealthcheckURL
}

// EnvironmentProperties are passed to the application as its environment.
func (b *Bundle) EnvironmentProperties() map[string]string {
	props, ok := b.Application[marker.SettingEnvironment].(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		if v == nil {
			out[k] = ""
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// ApplicationVersion returns the application version the bundle names, when
// it names one completely.
func (b *Bundle) ApplicationVersion() (*version.Info, bool) {
	raw, ok := b.ElasticBeanstalk[marker.SectionApplication]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var info version.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	if info.Bucket == "" || info.Key == "" || info.VersionID == "" || info.QueryParams == "" || info.Digest == "" {
		return nil, false
	}
	return &info, true
}

// Holder is the bundle currently in effect. It is read from deferred
// workers and replaced on the event loop.
type Holder struct {
	mu     sync.RWMutex
	bundle *Bundle
}

func NewHolder() *Holder {
	return &Holder{bundle: DefaultBundle()}
}

func (h *Holder) Bundle() *Bundle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bundle
}

func (h *Holder) Set(b *Bundle) {
	h.mu.Lock()
	h.bundle = b
	h.mu.Unlock()
}
