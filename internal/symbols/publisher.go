package symbols

import "log/slog"

// GetModuleList returns an independent copy of the loaded modules.
func GetModuleList(dir ModuleLister) ([]ModuleSnapshot, error) {
	modules, err := dir.Modules()
	if err != nil {
		return nil, err
	}
	list := make([]ModuleSnapshot, 0, len(modules))
	for _, m := range modules {
		list = append(list, ModuleSnapshot{
			Base: m.Base,
			Name: truncate(m.FullName(), MaxModuleSize),
		})
	}
	return list, nil
}

type Publisher struct {
	dir      ModuleLister
	notifier Notifier
}

func NewPublisher(dir ModuleLister, notifier Notifier) *Publisher {
	return &Publisher{dir: dir, notifier: notifier}
}

// PublishModuleList always notifies; a failed walk publishes an empty list.
func (p *Publisher) PublishModuleList() {
	list, err := GetModuleList(p.dir)
	if err != nil {
		slog.Warn("Failed to build module list", "error", err)
		list = []ModuleSnapshot{}
	}
	p.notifier.UpdateModuleList(list)
}
