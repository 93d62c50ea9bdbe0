package model

// GuestKind discriminates VMs from containers. The set is closed.
type GuestKind string

const (
	KindVM        GuestKind = "vm"
	KindContainer GuestKind = "container"
)

// APIType returns the remote API path segment for the kind.
func (k GuestKind) APIType() string {
	switch k {
	case KindVM:
		return "qemu"
	case KindContainer:
		return "lxc"
	default:
		return ""
	}
}

// Valid reports whether k is one of the known kinds.
func (k GuestKind) Valid() bool {
	return k == KindVM || k == KindContainer
}

// ParseGuestKind accepts the model names as well as the remote API types.
func ParseGuestKind(s string) (GuestKind, bool) {
	switch s {
	case "vm", "qemu":
		return KindVM, true
	case "container", "lxc", "ct":
		return KindContainer, true
	default:
		return "", false
	}
}

// Guest is a VM or container running on a host.
// VMIDs are unique per kind; VM and container id spaces may overlap.
type Guest struct {
	Resource

	VMID     int       `json:"vmid"`
	Kind     GuestKind `json:"kind"`
	Template bool      `json:"template,omitempty"`

	NetInBytes  int64 `json:"net_in_bytes"`
	NetOutBytes int64 `json:"net_out_bytes"`
}
