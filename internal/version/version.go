package version

// Version is the current version of the Boothcall binary.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/BioHazard786/Boothcall/internal/version.Version=v1.0.0'"
var Version = "dev"

// ClientName is announced to the signaling server so it can tell terminal
// clients from browser clients in its logs.
const ClientName = "boothcall-cli"
