// Package core предоставляет базовые типы для всех компонентов фреймворка.
package core

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeModule    ComponentType = "module"
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeScheduler ComponentType = "scheduler"
	ComponentTypeStore     ComponentType = "store"
)
