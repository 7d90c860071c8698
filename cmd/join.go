package cmd

import (
	"fmt"
	"os"

	"github.com/BioHazard786/Boothcall/internal/config"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/media/devices"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/ui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagDomain      string
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagRelay       bool
	flagName        string
	flagEmail       string
	flagRole        string
	flagListenLang  string
	flagAudioOnly   bool
	flagNewRoom     bool
	flagListDevices bool
	flagUserID      string
	flagPageSize    int
)

var joinCmd = &cobra.Command{
	Use:     "join [room-id]",
	Aliases: []string{"j"},
	Short:   "Join a room",
	Long: `Join a room with your camera and microphone.

Interpreters assigned to a language in the room settings can go on air with
l and pair with the other interpreter of that language in a private booth.

Examples:
  boothcall join lucid-forum-terrace --name Ana
  boothcall join --new
  boothcall join weekly --role interpreter --email ines@example.com
  boothcall join weekly --listen pt --audio-only
  boothcall join --list-devices`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagListDevices {
			return listDevices()
		}

		cfg, err := LoadConfig(config.Options{
			Domain:      flagDomain,
			STUNServer:  flagSTUN,
			TURNServer:  flagTURN,
			TURNUser:    flagTURNUser,
			TURNPass:    flagTURNPass,
			ForceRelay:  flagRelay,
			DisplayName: flagName,
			Role:        flagRole,
			Email:       flagEmail,
			UserID:      flagUserID,
			PageSize:    flagPageSize,
		})
		if err != nil {
			return err
		}

		var roomID string
		switch {
		case len(args) == 1:
			roomID = args[0]
		case flagNewRoom:
			sp := ui.NewConnectionSpinner("Creating room...").Start()
			if roomID, err = CreateRoom(cfg); err != nil {
				sp.Error("Could not create a room")
				return err
			}
			sp.Stop()
		default:
			return fmt.Errorf("no room id given, pass one or use --new")
		}
		return joinRoom(cmd, cfg, roomID)
	},
}

func joinRoom(cmd *cobra.Command, cfg *config.Config, roomID string) error {
	ctx := cmd.Context()

	selfID := cfg.UserID
	if selfID == "" {
		selfID = uuid.NewString()
	}
	name := cfg.DisplayName
	if name == "" {
		name, _ = os.Hostname()
	}

	sp := ui.NewConnectionSpinner("Connecting to server...").Start()
	client, err := Connect(ctx, cfg, selfID)
	if err != nil {
		sp.Error("Could not reach the server")
		return err
	}
	sp.Stop()

	presence := signaling.Presence{Name: name, Role: cfg.Role}
	constraints := media.Constraints{Audio: true, Video: !flagAudioOnly}

	call, err := NewCallContext(ctx, cfg, client, roomID, presence, constraints)
	if err != nil {
		client.Close()
		return err
	}
	defer call.Close()

	sp = ui.NewSpinner("Opening camera and microphone...").Start()
	if err := call.Session.Join(ctx); err != nil {
		sp.Error("Could not join the room")
		return err
	}
	if !call.Source.MicOn() && !call.Source.CameraOn() {
		sp.Warn("No camera or microphone, joining without media")
	} else {
		sp.Success("Devices ready")
	}

	fmt.Println(ui.RoomInfo{RoomID: roomID, RoomLink: RoomLink(cfg, roomID)}.View())

	reason := ui.RunRoom(call.Session, call.Session.Booth(), ui.RoomOptions{
		PageSize:       cfg.PageSize,
		HandoverWindow: cfg.HandoverWindow,
		Listening:      flagListenLang,
	})
	if reason != nil {
		ui.PrintWarning(ui.ClosedMessage(reason))
	}
	return nil
}

func listDevices() error {
	driver, err := devices.New(logging.L())
	if err != nil {
		return err
	}
	fmt.Println(ui.DevicesView(driver.Devices()))
	return nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name")
	joinCmd.Flags().StringVarP(&flagEmail, "email", "e", "", "Email used for interpreter assignments")
	joinCmd.Flags().StringVar(&flagRole, "role", "", "participant, interpreter or admin")
	joinCmd.Flags().StringVarP(&flagListenLang, "listen", "l", "", "Language channel to listen to")
	joinCmd.Flags().StringVar(&flagUserID, "user-id", "", "Stable user id, random when empty")
	joinCmd.Flags().IntVar(&flagPageSize, "page-size", 0, "Tiles per page in the grid view")
	joinCmd.Flags().BoolVar(&flagAudioOnly, "audio-only", false, "Join without camera")
	joinCmd.Flags().BoolVar(&flagNewRoom, "new", false, "Create a new room")
	joinCmd.Flags().BoolVar(&flagListDevices, "list-devices", false, "List cameras and microphones and exit")
}
