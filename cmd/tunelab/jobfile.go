package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// loadJobFile reads a JobConfig from YAML (or JSON). "-" reads stdin.
// Unknown keys are rejected so typos do not silently fall back to zero values.
func loadJobFile(path string, stdin io.Reader) (domain.JobConfig, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.JobConfig{}, fmt.Errorf("read job file: %w", err)
	}

	var cfg domain.JobConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.JobConfig{}, errors.New("job file is empty")
		}
		return domain.JobConfig{}, fmt.Errorf("parse job file: %w", err)
	}
	return cfg, nil
}
