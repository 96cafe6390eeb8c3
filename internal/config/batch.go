package config

import (
	"fmt"
	"os"

	"github.com/tanq16/parcel/internal/utils"
	"gopkg.in/yaml.v3"
)

// ReadBatch loads a YAML list of transfers.
func ReadBatch(filePath string) ([]utils.BatchEntry, error) {
	log := utils.GetLogger("config")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var entries []utils.BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	for i, entry := range entries {
		if entry.Source == "" {
			return nil, fmt.Errorf("missing source for entry %d", i+1)
		}
		if entry.Destination == "" {
			return nil, fmt.Errorf("missing destination for entry %d", i+1)
		}
	}
	log.Debug().Int("count", len(entries)).Msg("Entries loaded from YAML")
	return entries, nil
}
