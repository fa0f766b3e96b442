package templates

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Builtin returns the credential types known out of the box.
func Builtin() map[string]Template {
	return map[string]Template{
		"digital_ocean_api": {
			RequiredFields:      []string{"api_token"},
			DefaultRotationDays: 90,
			DefaultTags:         []string{"cloud", "infrastructure"},
		},
		"github_deploy_token": {
			RequiredFields:      []string{"token", "repository"},
			DefaultRotationDays: 180,
			DefaultTags:         []string{"code", "deployment"},
		},
		"domain_registrar": {
			RequiredFields:      []string{"api_key", "api_secret"},
			DefaultRotationDays: 365,
			DefaultTags:         []string{"dns", "domain"},
		},
		"email_service_api": {
			RequiredFields:      []string{"api_key", "sender_domain"},
			DefaultRotationDays: 90,
			DefaultTags:         []string{"email", "communication"},
		},
		"database_connection": {
			RequiredFields:      []string{"host", "username", "password", "database"},
			DefaultRotationDays: 30,
			DefaultTags:         []string{"database", "storage"},
		},
		"payment_processor": {
			RequiredFields:      []string{"public_key", "private_key", "webhook_secret"},
			DefaultRotationDays: 60,
			DefaultTags:         []string{"payment", "financial"},
		},
		"social_media_api": {
			RequiredFields:      []string{"access_token", "refresh_token", "platform"},
			DefaultRotationDays: 30,
			DefaultTags:         []string{"social", "marketing"},
		},
	}
}

// catalogFile is the on-disk YAML layout:
//
//	templates:
//	  github_deploy_token:
//	    required_fields: [token, repository]
//	    default_rotation_days: 180
//	    default_tags: [code, deployment]
type catalogFile struct {
	Templates map[string]Template `yaml:"templates"`
}

// LoadFile reads a YAML template catalog.
func LoadFile(path string) (map[string]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML template catalog.
func Parse(data []byte) (map[string]Template, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	if f.Templates == nil {
		return map[string]Template{}, nil
	}
	return f.Templates, nil
}

// Merge overlays extra on base; entries in extra replace same-named ones.
func Merge(base, extra map[string]Template) map[string]Template {
	out := make(map[string]Template, len(base)+len(extra))
	for name, t := range base {
		out[name] = t
	}
	for name, t := range extra {
		out[name] = t
	}
	return out
}
