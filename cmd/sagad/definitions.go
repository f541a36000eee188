package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/frankenstein/sagakit/framework/saga"
)

// definitionsFile формат файла описаний саг
type definitionsFile struct {
	Sagas []sagaSpec `json:"sagas"`
}

type sagaSpec struct {
	SagaType string     `json:"saga_type"`
	Timeout  string     `json:"timeout"`
	Steps    []stepSpec `json:"steps"`
}

type stepSpec struct {
	StepNumber    int    `json:"step_number"`
	ServiceName   string `json:"service_name"`
	OperationName string `json:"operation_name"`
	Timeout       string `json:"timeout,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
}

// loadDefinitions читает описания саг из JSON-файла
func loadDefinitions(path string) ([]saga.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	var file definitionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file: %w", err)
	}

	result := make([]saga.Definition, 0, len(file.Sagas))
	for _, spec := range file.Sagas {
		sagaTimeout, err := parseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("saga %s: %w", spec.SagaType, err)
		}

		steps := make([]saga.StepDefinition, 0, len(spec.Steps))
		for _, stepSpec := range spec.Steps {
			stepTimeout, err := parseDuration(stepSpec.Timeout)
			if err != nil {
				return nil, fmt.Errorf("saga %s step %d: %w", spec.SagaType, stepSpec.StepNumber, err)
			}
			retry := saga.DefaultRetryPolicy()
			if stepSpec.MaxAttempts > 0 {
				retry.MaxAttempts = stepSpec.MaxAttempts
			}
			steps = append(steps, saga.StepDefinition{
				StepNumber:    stepSpec.StepNumber,
				ServiceName:   stepSpec.ServiceName,
				OperationName: stepSpec.OperationName,
				Timeout:       stepTimeout,
				Retry:         retry,
			})
		}
		result = append(result, saga.NewDefinition(spec.SagaType, steps, sagaTimeout))
	}
	return result, nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
