package version

// Overridden at build time with -ldflags "-X gatekeeper/internal/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	BuildVersion string `json:"version"`
	BuiltAt      string `json:"built_at"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}
