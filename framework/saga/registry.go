package saga

import (
	"fmt"
	"sync"
)

// StepDefinition описание шага, известного оркестратору.
// Диспетчеризация шагов и компенсаций разрешается по имени через
// таблицу определений, поэтому неизвестное имя отклоняется при запуске
// саги, а не при выполнении.
type StepDefinition struct {
	// Name имя шага, на которое ссылаются StepSpec
	Name string
	// Compensation действие отката шага. Пустая строка означает
	// необратимый шаг: при компенсации он пропускается с записью в лог.
	Compensation string
}

// Registry таблица определений шагов
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepDefinition
}

// NewRegistry создает пустую таблицу определений шагов
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]StepDefinition),
	}
}

// Register добавляет определение шага
func (r *Registry) Register(def StepDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("step name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[def.Name]; exists {
		return fmt.Errorf("step %q already registered", def.Name)
	}
	r.steps[def.Name] = def
	return nil
}

// Resolve возвращает определение шага по имени
func (r *Registry) Resolve(name string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[name]
	return def, ok
}

// buildSteps разворачивает спецификации шагов в записи саги,
// отклоняя неизвестные имена
func (r *Registry) buildSteps(specs []StepSpec) ([]Step, error) {
	steps := make([]Step, 0, len(specs))
	for i, spec := range specs {
		def, ok := r.Resolve(spec.Name)
		if !ok {
			return nil, fmt.Errorf("unknown step %q at index %d", spec.Name, i)
		}

		step := Step{
			Index:  i,
			Name:   spec.Name,
			Status: StepStatusPending,
			Input:  spec.Input,
		}
		if def.Compensation != "" {
			step.Compensation = &Compensation{
				Action:  def.Compensation,
				Payload: spec.Input,
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}
