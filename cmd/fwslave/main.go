package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	fwupdate "github.com/samsamfire/fwupdate"
	"github.com/samsamfire/fwupdate/pkg/can"
	_ "github.com/samsamfire/fwupdate/pkg/can/slcan"
	_ "github.com/samsamfire/fwupdate/pkg/can/socketcan"
	_ "github.com/samsamfire/fwupdate/pkg/can/virtual"
	"github.com/samsamfire/fwupdate/pkg/fwslave"
	"github.com/samsamfire/fwupdate/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_NODE_ID = 0x20
var DEFAULT_CAN_INTERFACE = "vcan0"
var DEFAULT_CAN_INTERFACE_TYPE = "socketcan"
var DEFAULT_STORE_FILE = "fwslave.ini"

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	channel := flag.String("i", DEFAULT_CAN_INTERFACE, "can channel e.g. can0,vcan0")
	interfaceType := flag.String("t", DEFAULT_CAN_INTERFACE_TYPE, "interface type: socketcan,slcan,virtual")
	nodeId := flag.Int("id", DEFAULT_NODE_ID, "node id of this slave")
	storePath := flag.String("store", DEFAULT_STORE_FILE, "file persisting verified crc and version")
	capacity := flag.Uint("capacity", fwslave.DefaultMaxImageSize, "maximum accepted image size in bytes")
	flag.Parse()

	bus, err := can.NewBus(*interfaceType, *channel)
	if err != nil {
		panic(err)
	}
	err = bus.Connect()
	if err != nil {
		panic(err)
	}
	defer bus.Disconnect()

	busManager := fwupdate.NewBusManager(bus, nil)
	err = bus.Subscribe(busManager)
	if err != nil {
		panic(err)
	}

	store, err := fwslave.NewIniStore(*storePath)
	if err != nil {
		panic(err)
	}
	flash := fwslave.NewMemoryFlash(uint32(*capacity))
	receiver, err := fwslave.NewReceiver(nil, flash, store, fwslave.Config{
		MaxImageSize: uint32(*capacity),
		RebootDelay:  time.Second,
		Reboot: func() {
			log.Info("rebooting on new image")
			os.Exit(0)
		},
	})
	if err != nil {
		panic(err)
	}

	server, err := sdo.NewServer(busManager, nil, uint8(*nodeId), receiver)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("slave %d listening on %s", *nodeId, *channel)
	err = server.Process(ctx)
	log.Infof("slave stopped : %v", err)
}
