// Command spoke runs a clipmesh PeerSession (C6) that dials a hub, logs the
// clipboard items it receives, and optionally sends one text snippet or file
// from the command line before staying connected to receive. It does not
// read or write the OS clipboard.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/clipmesh/clipmesh/internal/config"
	"github.com/clipmesh/clipmesh/internal/peer"
	"github.com/clipmesh/clipmesh/pkg/clipitem"
	"github.com/clipmesh/clipmesh/pkg/utils"
)

func main() {
	url := flag.String("hub", "ws://127.0.0.1:2580/", "hub websocket URL")
	password := flag.String("password", "", "shared-secret password; empty disables auth")
	baseDir := flag.String("base-dir", "", "directory for transfer state and partial files")
	sendText := flag.String("send-text", "", "send this text to the hub on connect")
	sendFile := flag.String("send-file", "", "send this file's contents to the hub on connect")
	flag.Parse()

	cfg, dir, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	transfersDir := *baseDir
	if transfersDir == "" {
		transfersDir = dir + "/transfers"
	}
	pw := cfg.ConnectionPassword
	if *password != "" {
		pw = *password
	}

	var bar *progressbar.ProgressBar

	sess, err := peer.NewSpoke(peer.Config{
		URL:            *url,
		Password:       pw,
		ChunkThreshold: cfg.ChunkThreshold,
		ChunkSize:      cfg.ChunkSize,
		BaseDir:        transfersDir,
		Callbacks: peer.Callbacks{
			OnConnected: func(ok bool) {
				if ok {
					log.Println("[CLIENT] connected to hub")
				} else {
					log.Println("[CLIENT] connection failed")
				}
			},
			OnReconnecting: func() {
				log.Println("[CLIENT] reconnecting...")
			},
			OnItemReceived: func(item clipitem.ClipboardItem) {
				switch item.ContentType {
				case clipitem.ContentTypeText:
					log.Printf("[CLIENT] received text (%d bytes)", len(item.Text))
				case clipitem.ContentTypeImage:
					log.Printf("[CLIENT] received image (%d bytes)", len(item.ImageBytes))
				case clipitem.ContentTypeFiles:
					for _, f := range item.Files {
						log.Printf("[CLIENT] received file %q (%d bytes)", f.Name, len(f.Bytes))
					}
				}
			},
			OnTransferProgress: func(transferID string, percent float64) {
				if bar == nil {
					bar = progressbar.NewOptions(100,
						progressbar.OptionSetDescription("transferring "+transferID),
						progressbar.OptionShowCount(),
						progressbar.OptionThrottle(100*time.Millisecond),
						progressbar.OptionClearOnFinish(),
					)
				}
				bar.Set(int(percent))
			},
			OnLog: func(line string) {
				log.Print(line)
			},
		},
	})
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	sess.Start()

	waitConnected(sess)

	if *sendText != "" {
		if err := sess.SendText(*sendText); err != nil {
			log.Printf("send text: %v", err)
		}
	}
	if *sendFile != "" {
		item, skipped := clipitem.FromFileContents([]string{*sendFile}, clipitem.SourceLocal, cfg.MaxFileSize, cfg.MaxTotalFileSize)
		for _, s := range skipped {
			log.Printf("[CLIENT] skipped %s: %s", s.Path, s.Reason)
		}
		for _, f := range item.Files {
			log.Printf("[CLIENT] sending %q (%s)", f.Name, utils.HumanBytes(int64(len(f.Bytes))))
		}
		if err := sess.SendItem(item); err != nil {
			log.Printf("send file: %v", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	log.Println("shutting down")
	sess.Stop()
}

func waitConnected(sess *peer.Session) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == peer.StateConnected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func loadConfig() (config.Config, string, error) {
	dir, err := config.Dir()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, dir, nil
}
