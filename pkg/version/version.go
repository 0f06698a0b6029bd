package version

// Version and commit are set at build time with -ldflags "-X".
var (
	K3piVersion = "dev"
	K3piCommit  = "unknown"
)
