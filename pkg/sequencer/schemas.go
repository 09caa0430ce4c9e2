package sequencer

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Payload schemas, one per sensor kind. A payload that fails its schema is
// a malformed event: quarantined, never partially decoded downstream.
var payloadSchemas = map[contracts.SensorKind]string{
	contracts.SensorProcess: `{
		"type": "object",
		"required": ["exe_path", "action"],
		"properties": {
			"exe_path": {"type": "string", "minLength": 1},
			"action": {"enum": ["exec", "absent"]},
			"pid": {"type": "integer"},
			"started_at": {"type": "string", "format": "date-time"}
		}
	}`,
	contracts.SensorFile: `{
		"type": "object",
		"required": ["path", "op"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"op": {"enum": ["create", "modify", "delete", "encrypt_burst"]},
			"mtime": {"type": "string", "format": "date-time"}
		}
	}`,
	contracts.SensorPersistence: `{
		"type": "object",
		"required": ["artifact_path", "mechanism", "created_at"],
		"properties": {
			"artifact_path": {"type": "string", "minLength": 1},
			"mechanism": {"enum": ["cron", "systemd", "rc_local", "registry_run", "scheduled_task", "launchd"]},
			"target_path": {"type": "string"},
			"created_at": {"type": "string", "format": "date-time"}
		}
	}`,
	contracts.SensorNetworkIntent: `{
		"type": "object",
		"required": ["remote_addr", "remote_port"],
		"properties": {
			"exe_path": {"type": "string"},
			"remote_addr": {"type": "string", "minLength": 1},
			"remote_port": {"type": "integer", "minimum": 0, "maximum": 65535},
			"protocol": {"enum": ["tcp", "udp"]}
		}
	}`,
	contracts.SensorFlow: `{
		"type": "object",
		"required": ["dst_addr", "dst_port"],
		"properties": {
			"src_addr": {"type": "string"},
			"dst_addr": {"type": "string", "minLength": 1},
			"dst_port": {"type": "integer", "minimum": 0, "maximum": 65535},
			"protocol": {"enum": ["tcp", "udp"]},
			"bytes_out": {"type": "integer", "minimum": 0}
		}
	}`,
	contracts.SensorDNS: `{
		"type": "object",
		"required": ["qname"],
		"properties": {
			"qname": {"type": "string", "minLength": 1},
			"resolved_addr": {"type": "string"}
		}
	}`,
	contracts.SensorIdentity: `{
		"type": "object",
		"required": ["principal", "action"],
		"properties": {
			"principal": {"type": "string", "minLength": 1},
			"action": {"enum": ["login", "logout", "priv_esc", "token_use"]}
		}
	}`,
	contracts.SensorDeception: `{
		"type": "object",
		"required": ["decoy_id", "interaction"],
		"properties": {
			"decoy_id": {"type": "string", "minLength": 1},
			"interaction": {"enum": ["open", "read", "write", "auth_attempt", "beacon"]}
		}
	}`,
}

func compilePayloadSchemas() (map[contracts.SensorKind]*jsonschema.Schema, error) {
	compiled := make(map[contracts.SensorKind]*jsonschema.Schema, len(payloadSchemas))
	for kind, src := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://crowsnest.schemas.local/payloads/%s.schema.json", strings.ToLower(string(kind)))
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("payload schema load failed for %s: %w", kind, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema compile failed for %s: %w", kind, err)
		}
		compiled[kind] = s
	}
	return compiled, nil
}
