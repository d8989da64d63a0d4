package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoModelList is returned when neither the environment nor the file provides a model list.
var ErrNoModelList = errors.New("no model configuration list found")

// ModelEntry is one model/credential entry of the OAI_CONFIG_LIST.
type ModelEntry struct {
	Model      string `json:"model"`
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	APIType    string `json:"api_type,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

// ModelList is handed to the provider as is.
type ModelList []ModelEntry

// LoadModelList reads the list from the environment variable named by cfg.ConfigListEnv,
// which holds either the JSON itself or a path to it, falling back to cfg.ConfigListFile.
func LoadModelList(cfg LLMConfig) (ModelList, error) {
	if cfg.ConfigListEnv != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.ConfigListEnv)); value != "" {
			if strings.HasPrefix(value, "[") {
				return parseModelList([]byte(value), "$"+cfg.ConfigListEnv)
			}
			return readModelList(value)
		}
	}
	if cfg.ConfigListFile == "" {
		return nil, ErrNoModelList
	}
	list, err := readModelList(cfg.ConfigListFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: set %s or create %s", ErrNoModelList, cfg.ConfigListEnv, cfg.ConfigListFile)
	}
	return list, err
}

func readModelList(path string) (ModelList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	return parseModelList(data, path)
}

func parseModelList(data []byte, source string) (ModelList, error) {
	var list ModelList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse model list %s: %w", source, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoModelList, source)
	}
	for i, e := range list {
		if e.Model == "" {
			return nil, fmt.Errorf("model list %s: entry %d has no model", source, i)
		}
	}
	return list, nil
}

// Select returns the entry for model, or the first entry when model is empty.
func (l ModelList) Select(model string) (ModelEntry, error) {
	if len(l) == 0 {
		return ModelEntry{}, ErrNoModelList
	}
	if model == "" {
		return l[0], nil
	}
	for _, e := range l {
		if e.Model == model {
			return e, nil
		}
	}
	return ModelEntry{}, fmt.Errorf("model %q not in model list", model)
}
