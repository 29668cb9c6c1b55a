package domain

import (
	"math"
	"sort"
	"strings"
)

// ModelCatalog lists the model types the backend can train, per framework.
var ModelCatalog = map[Framework][]string{
	FrameworkPyTorch:    {"bert-base", "roberta-base"},
	FrameworkTensorFlow: {"bert-base-tf", "distilbert-tf"},
	FrameworkSklearn:    {"random-forest", "svm"},
}

// Frameworks returns the recognised frameworks in a stable order.
func Frameworks() []Framework {
	out := make([]Framework, 0, len(ModelCatalog))
	for f := range ModelCatalog {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsRegisteredModel reports whether modelType belongs to framework.
func IsRegisteredModel(framework Framework, modelType string) bool {
	for _, m := range ModelCatalog[framework] {
		if m == modelType {
			return true
		}
	}
	return false
}

// ValidateConfig checks every rule and reports all violations at once.
// It is the only way to obtain a ValidatedConfig.
func ValidateConfig(cfg JobConfig) (ValidatedConfig, error) {
	cfg.Framework = Framework(strings.TrimSpace(string(cfg.Framework)))
	cfg.ModelType = strings.TrimSpace(cfg.ModelType)

	var fields []FieldError
	reject := func(field, msg string) {
		fields = append(fields, FieldError{Field: field, Message: msg})
	}

	_, knownFramework := ModelCatalog[cfg.Framework]
	if !knownFramework {
		reject("framework", "must be one of pytorch, sklearn, tensorflow")
	}

	switch {
	case cfg.ModelType == "":
		reject("modelType", "is required")
	case knownFramework && !IsRegisteredModel(cfg.Framework, cfg.ModelType):
		reject("modelType", "not registered for framework "+string(cfg.Framework))
	}

	if cfg.Epochs < 1 {
		reject("epochs", "must be a positive integer")
	}
	if cfg.BatchSize < 1 {
		reject("batchSize", "must be a positive integer")
	}
	if math.IsNaN(cfg.LearningRate) || math.IsInf(cfg.LearningRate, 0) || cfg.LearningRate <= 0 {
		reject("learningRate", "must be a positive finite number")
	}

	if len(fields) > 0 {
		return ValidatedConfig{}, &ValidationError{Fields: fields}
	}
	return ValidatedConfig{cfg: cfg, valid: true}, nil
}
