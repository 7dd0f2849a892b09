package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/bureau/pkg/governance"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

// AgentDefinitionsFile is the on-disk shape of an agent definition seed.
type AgentDefinitionsFile struct {
	Agents []governance.AgentDefinition `json:"agents"`
}

// LoadAgentDefinitions reads agent definitions from a YAML or JSON file.
func LoadAgentDefinitions(path string) ([]governance.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}

	var file AgentDefinitionsFile
	if err := decode(path, data, &file); err != nil {
		return nil, fmt.Errorf("parse agent definitions %q: %w", path, err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agent definitions %q: no agents defined", path)
	}
	for i, def := range file.Agents {
		if strings.TrimSpace(def.AgentID) == "" {
			return nil, fmt.Errorf("agent definitions %q: agent %d has no agent_id", path, i)
		}
	}
	return file.Agents, nil
}

// ViewSequenceFile is the on-disk shape of a recorded view sequence.
type ViewSequenceFile struct {
	Views []*projection.View `json:"views"`
}

// LoadViewSequence reads an ordered projection-view sequence from a YAML
// or JSON file. Views are taken verbatim; the recorded derived fields are
// what replay must reproduce, so nothing is recomputed here.
func LoadViewSequence(path string) ([]*projection.View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load view sequence: %w", err)
	}

	var file ViewSequenceFile
	if err := decode(path, data, &file); err != nil {
		return nil, fmt.Errorf("parse view sequence %q: %w", path, err)
	}
	for i, v := range file.Views {
		if v == nil {
			return nil, fmt.Errorf("view sequence %q: view %d is null", path, i)
		}
	}
	return file.Views, nil
}

// decode unmarshals JSON directly and routes YAML through a generic value
// and the JSON decoder, so the struct json tags stay authoritative for
// both formats.
func decode(path string, data []byte, out any) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Unmarshal(data, out)
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	bridged, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(bridged, out)
}
