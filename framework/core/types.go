package core

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeStore        ComponentType = "store"
	ComponentTypeAdapter      ComponentType = "adapter"
	ComponentTypeOrchestrator ComponentType = "orchestrator"
)
