package vsock

const (
	// HostCID is the well-known context ID of the host.
	HostCID = 2

	// MinGuestCID is the lowest CID a guest may use. 0 and 1 are reserved
	// and 2 is the host.
	MinGuestCID = 3

	// DefaultMinCID and DefaultMaxCID bound the range leased to guests.
	DefaultMinCID = 3
	DefaultMaxCID = 65535

	// DefaultPort is the host listener port guests connect to.
	DefaultPort = 1025
)
