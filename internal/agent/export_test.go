package agent

// RetiredSchedulers reports how many ended-session schedulers are retained.
func (o *Orchestrator) RetiredSchedulers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.retired)
}
