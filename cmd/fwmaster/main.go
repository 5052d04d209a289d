package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	fwupdate "github.com/samsamfire/fwupdate"
	"github.com/samsamfire/fwupdate/pkg/can"
	_ "github.com/samsamfire/fwupdate/pkg/can/slcan"
	_ "github.com/samsamfire/fwupdate/pkg/can/socketcan"
	_ "github.com/samsamfire/fwupdate/pkg/can/virtual"
	"github.com/samsamfire/fwupdate/pkg/fwmaster"
	"github.com/samsamfire/fwupdate/pkg/gateway"
	"github.com/samsamfire/fwupdate/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_CAN_INTERFACE = "vcan0"
var DEFAULT_CAN_INTERFACE_TYPE = "socketcan"
var DEFAULT_CAMPAIGN_FILE = "campaign.ini"

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	channel := flag.String("i", DEFAULT_CAN_INTERFACE, "can channel e.g. can0,vcan0")
	interfaceType := flag.String("t", DEFAULT_CAN_INTERFACE_TYPE, "interface type: socketcan,slcan,virtual")
	campaignPath := flag.String("c", DEFAULT_CAMPAIGN_FILE, "campaign description file")
	httpAddr := flag.String("http", "", "serve campaign progress on this address e.g. :8090")
	watch := flag.Bool("watch", false, "rerun the campaign whenever the image file changes")
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
	client, err := sdo.NewClient(busManager, nil)
	if err != nil {
		panic(err)
	}

	plans, err := fwmaster.LoadCampaign(*campaignPath)
	if err != nil {
		panic(err)
	}

	coordinator := fwmaster.NewCoordinator(nil, client)
	if *httpAddr != "" {
		gw := gateway.NewGatewayServer(nil, coordinator)
		go func() {
			err := gw.ListenAndServe(*httpAddr)
			if err != nil {
				log.Errorf("gateway stopped : %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := coordinator.Run(ctx, plans)
	log.Infof("campaign finished : %d success, %d skipped, %d failed",
		summary.Success, summary.Skipped, summary.Failed)

	if !*watch {
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		panic(err)
	}
	defer watcher.Close()
	err = watcher.Add(plans[0].ImagePath)
	if err != nil {
		panic(err)
	}
	log.Infof("watching %s for changes", plans[0].ImagePath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				log.Infof("image changed (%s), rerunning campaign", event.Op)
				summary := coordinator.Run(ctx, plans)
				log.Infof("campaign finished : %d success, %d skipped, %d failed",
					summary.Success, summary.Skipped, summary.Failed)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watch error : %v", err)
		}
	}
}
