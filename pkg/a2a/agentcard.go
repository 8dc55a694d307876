package a2a

// AgentCapabilities describes what an agent supports.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications,omitempty"`
}

// AgentSkillDescriptor is a skill advertised on an agent card.
type AgentSkillDescriptor struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is an agent's self-description, published on the discovery topic.
// On the mesh, Name equals the configured alias regardless of the remote
// agent's internal name.
type AgentCard struct {
	Name               string                 `json:"name"`
	Description        string                 `json:"description,omitempty"`
	URL                string                 `json:"url"`
	Version            string                 `json:"version,omitempty"`
	Capabilities       AgentCapabilities      `json:"capabilities"`
	Skills             []AgentSkillDescriptor `json:"skills,omitempty"`
	DefaultInputModes  []string               `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string               `json:"default_output_modes,omitempty"`
}
