package models

import (
	"encoding/json"
	"fmt"
)

// FlowConfig maps a flow to the pool of instance names allowed to serve it.
// InstancePool holds a JSON array of instance names.
type FlowConfig struct {
	FlowName     string `gorm:"primaryKey;size:64" json:"flow_name"`
	InstancePool string `gorm:"type:text" json:"instance_pool"`
}

// InstanceNames decodes the instance pool.
func (f *FlowConfig) InstanceNames() ([]string, error) {
	if f.InstancePool == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(f.InstancePool), &names); err != nil {
		return nil, fmt.Errorf("models: decode instance pool for flow %q: %w", f.FlowName, err)
	}
	return names, nil
}

// SetInstanceNames encodes names into the instance pool.
func (f *FlowConfig) SetInstanceNames(names []string) error {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("models: encode instance pool for flow %q: %w", f.FlowName, err)
	}
	f.InstancePool = string(data)
	return nil
}
