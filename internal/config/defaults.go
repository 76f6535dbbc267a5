package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			MediaDir:            "~/.groupbot/media",
			FilePrefix:          "355",
			LogLevel:            "info",
			MaxConcurrentEvents: 4,
		},
		Classifier: ClassifierConfig{
			Enabled:        true,
			APIBase:        "https://api-inference.huggingface.co/models",
			LabelModel:     "google/vit-base-patch16-224",
			DetectModel:    "facebook/detr-resnet-50",
			MaxEdge:        640,
			TimeoutSeconds: 30,
		},
		Generator: GeneratorConfig{
			DefaultProvider: "huggingface",
			TimeoutSeconds:  30,
		},
		Providers: map[string]ProviderConfig{
			"huggingface": {
				Enabled:      true,
				APIBase:      "https://api-inference.huggingface.co/models",
				DefaultModel: "gpt2-medium",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			WhatsAppWeb: WhatsAppWebConfig{
				ProfileDir:          "~/.groupbot/whatsapp-profile",
				PollIntervalSeconds: 5,
			},
			Bridge: BridgeConfig{
				Host: "127.0.0.1",
				Port: 8765,
				Path: "/bridge",
			},
		},
		Archive: ArchiveConfig{
			Backend:    "cloudinary",
			LedgerPath: "~/.groupbot/archive.db",
			Cloudinary: CloudinaryConfig{
				Folder:       "EEE355",
				ResourceType: "raw",
			},
		},
		Metrics: MetricsConfig{
			Address:  "127.0.0.1:9108",
			Endpoint: "/metrics",
		},
	}
}
