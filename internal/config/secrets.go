package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// sensitiveKeys are substrings of module config keys whose values are
// credentials.
var sensitiveKeys = []string{"secret", "token", "password", "pass", "api_key"}

// Secrets returns the literal credential values found in module sections,
// for log redaction. Keys ending in "_env" name a variable rather than
// hold a secret and are skipped.
func Secrets(cfg *Config) []string {
	var out []string
	for _, node := range cfg.Modules {
		collectSecrets(&node, &out)
	}
	return out
}

func collectSecrets(node *yaml.Node, out *[]string) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range node.Content {
			collectSecrets(c, out)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if val.Kind == yaml.ScalarNode {
				if isSensitive(key.Value) && val.Value != "" {
					*out = append(*out, val.Value)
				}
				continue
			}
			collectSecrets(val, out)
		}
	}
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	if strings.HasSuffix(key, "_env") {
		return false
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
