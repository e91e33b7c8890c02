package domain

// AI provider identifiers.
const (
	ProviderOpenAI     = "openai"
	ProviderPerplexity = "perplexity"
	ProviderCustom     = "custom"
)

// APIKeys holds per-provider API keys.
type APIKeys struct {
	OpenAI     string `json:"openai,omitempty"`
	Perplexity string `json:"perplexity,omitempty"`
	Custom     string `json:"custom,omitempty"`
}

// RemoteDBConfig is the user-supplied override for the remote document
// store connection.
type RemoteDBConfig struct {
	URL      string `json:"url,omitempty"`
	Database string `json:"database,omitempty"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
}

// Settings is the one-row-per-user preference record. Loaded at session
// start and shallow-merged over in-memory defaults.
type Settings struct {
	Username       string          `json:"username,omitempty"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	APIKeys        APIKeys         `json:"apiKeys"`
	CustomEndpoint string          `json:"customEndpoint,omitempty"`
	CustomModel    string          `json:"customModel,omitempty"`
	DBConfig       *RemoteDBConfig `json:"dbConfig,omitempty"`
}

// DefaultSettings returns the in-memory defaults new sessions start from.
func DefaultSettings() Settings {
	return Settings{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o",
	}
}

// Merge returns s with non-zero fields of incoming laid over it
// (shallow merge, incoming wins).
func (s Settings) Merge(incoming Settings) Settings {
	out := s
	if incoming.Provider != "" {
		out.Provider = incoming.Provider
	}
	if incoming.Model != "" {
		out.Model = incoming.Model
	}
	if incoming.APIKeys.OpenAI != "" {
		out.APIKeys.OpenAI = incoming.APIKeys.OpenAI
	}
	if incoming.APIKeys.Perplexity != "" {
		out.APIKeys.Perplexity = incoming.APIKeys.Perplexity
	}
	if incoming.APIKeys.Custom != "" {
		out.APIKeys.Custom = incoming.APIKeys.Custom
	}
	if incoming.CustomEndpoint != "" {
		out.CustomEndpoint = incoming.CustomEndpoint
	}
	if incoming.CustomModel != "" {
		out.CustomModel = incoming.CustomModel
	}
	if incoming.DBConfig != nil {
		out.DBConfig = incoming.DBConfig
	}
	return out
}
