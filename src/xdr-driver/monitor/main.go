package monitor

/* HTTP observability surface.

Exposes the pipeline status as JSON and the live measurement feed over
WebSocket, and optionally advertises the feed on the LAN via mDNS so
collectors can find it without configuration.

Not part of the drain path; the host consumer keeps polling the Handle
directly.

*/

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gorilla/websocket"
	"github.com/libp2p/zeroconf/v2"
	"github.com/sirupsen/logrus"

	"github.com/windvane/xdr-driver/src/xdr-driver/config"
	"github.com/windvane/xdr-driver/src/xdr-driver/xdr"
)

const appID = "xdr-driver"

type Server struct {
	log     *logrus.Entry
	handle  *xdr.Handle
	version string

	// stable per-host identifier, empty when it could not be derived
	machineID string
}

// Start serves the status and feed endpoints until ctx is cancelled.
// An empty listen address disables the monitor.
func Start(ctx context.Context, log *logrus.Entry, handle *xdr.Handle, cfg config.Monitor, version string) {
	if cfg.Listen == "" {
		return
	}

	machineID, err := machineid.ProtectedID(appID)
	if err != nil {
		log.WithError(err).Warning("Could not derive machine id.")
	}

	server := &Server{
		log:       log,
		handle:    handle,
		version:   version,
		machineID: machineID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.serveStatus)
	mux.HandleFunc("/feed", server.serveFeed)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	go func() {
		log.WithField("address", cfg.Listen).Info("Monitor listening.")
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Monitor server failed.")
		}
	}()

	if cfg.Advertise {
		go advertise(ctx, log, cfg.Listen, version)
	}
}

type statusReport struct {
	xdr.Status
	Version   string `json:"version"`
	MachineId string `json:"machineId,omitempty"`
}

func (server *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	report := statusReport{
		Status:    server.handle.GetStatus(),
		Version:   server.version,
		MachineId: server.machineID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		server.log.WithError(err).Debug("Could not write status.")
	}
}

// serveFeed streams accepted measurement batches to a WebSocket client.
func (server *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	log := server.log.WithFields(logrus.Fields{
		"clientAddress": r.RemoteAddr,
		"userAgent":     r.UserAgent(),
	})

	conn, err := webSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Could not upgrade connection to WebSocket.")
		http.Error(w, "WebSocket upgrade error", http.StatusBadRequest)
		return
	}

	log.Info("WebSocket connection opened")

	// The connection supports only one concurrent writer.
	writeMutex := sync.Mutex{}

	// The upgraded connection outlives the handler, so do not inherit
	// the request context.
	ctx, cancel := context.WithCancel(context.Background())

	sendBatch := func(batch interface{}) error {
		writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := conn.WriteJSON(batch)
		writeMutex.Unlock()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Error("WebSocket error")
			}
			return err
		}
		return nil
	}

	rx := server.handle.Subscribe()

	close := func() {
		server.handle.Unsubscribe(rx)
		cancel()
		conn.Close()
		log.Info("WebSocket connection closed")
	}

	// Forward accepted batches until the subscription or client goes
	// away.
	go func() {
		defer close()
		for {
			select {
			case <-ctx.Done():
				return

			case batch, ok := <-rx:
				if !ok {
					return
				}
				if err := sendBatch(batch); err != nil {
					return
				}
			}
		}
	}()

	// Drain client messages to observe the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
}

// advertise registers the feed endpoint as an mDNS service for the
// lifetime of the context.
func advertise(ctx context.Context, log *logrus.Entry, listen string, version string) {
	_, portString, err := net.SplitHostPort(listen)
	if err != nil {
		log.WithError(err).Warning("Cannot advertise monitor: unparsable listen address.")
		return
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		log.WithError(err).Warning("Cannot advertise monitor: unparsable listen port.")
		return
	}

	mdns, err := zeroconf.Register(appID, "_xdr-feed._tcp", "local.", port, []string{"version=" + version}, nil)
	if err != nil {
		log.WithError(err).Warning("Could not register mDNS service.")
		return
	}
	defer mdns.Shutdown()

	log.WithField("port", port).Info("Advertising feed via mDNS.")
	<-ctx.Done()
}

// Helper to upgrade http to WebSocket
var webSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is read-only telemetry on a trusted network.
		return true
	},
}
