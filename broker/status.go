package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"time"
)

// BrokerStatus contains health and network info for the web status page.
type BrokerStatus struct {
	Hostname          string   `json:"hostname"`
	Addr              string   `json:"address"`
	StartTime         string   `json:"start_time"`
	UptimeSeconds     int64    `json:"uptime_seconds"`
	TotalPeers        int      `json:"total_peers"`
	Peers             []string `json:"peers"`
	FramesRelayed     int64    `json:"frames_relayed"`
	FramesDropped     int64    `json:"frames_dropped"`
	TransfersInFlight int      `json:"transfers_in_flight"`
	TotalTransfers    int      `json:"total_transfers"`
}

// StatusService serves the status page over HTTP, read-only against the
// broker's live registry and counters.
type StatusService struct {
	broker *Broker
	srv    *http.Server
	tmpl   *template.Template
}

func NewStatusService(b *Broker, listenOn string) *StatusService {
	s := &StatusService{
		broker: b,
		tmpl:   template.Must(template.New("status").Parse(statusPageHTML)),
	}
	mux := http.NewServeMux()
	mux.Handle("/", s)
	s.srv = &http.Server{Addr: listenOn, Handler: mux}
	return s
}

// Serve runs the HTTP listener until Close.
func (s *StatusService) Serve() error {
	log.Printf("[STATUS] Status page on http://%s/", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("broker: status server: %w", err)
	}
	return nil
}

// Close shuts the HTTP listener down.
func (s *StatusService) Close() error {
	return s.srv.Close()
}

func (s *StatusService) snapshot() BrokerStatus {
	hostname, _ := os.Hostname()
	peers := []string{}
	for _, p := range s.broker.reg.Snapshot() {
		peers = append(peers, p.ID)
	}
	stats := s.broker.stats()
	return BrokerStatus{
		Hostname:          hostname,
		Addr:              s.broker.Addr().String(),
		StartTime:         s.broker.startedAt.Format(time.RFC3339),
		UptimeSeconds:     int64(time.Since(s.broker.startedAt).Seconds()),
		TotalPeers:        len(peers),
		Peers:             peers,
		FramesRelayed:     stats.FramesRelayed,
		FramesDropped:     stats.FramesDropped,
		TransfersInFlight: stats.TransfersInFlight,
		TotalTransfers:    stats.TotalTransfers,
	}
}

func (s *StatusService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/status" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.snapshot())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = s.tmpl.Execute(w, s.snapshot())
}

const statusPageHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Relaywire Broker Status</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>
  html, body {
    height: 100%;
    margin: 0;
    font-family: 'Montserrat', Arial, sans-serif;
    background: #29213c;
    color: #fff;
  }
  body {
    min-height: 100vh;
    background: linear-gradient(135deg, #2e2d4d 0%, #1a1633 100%);
  }
  .top-bar {
    background: #18142b;
    padding: 24px 32px 8px 32px;
    box-shadow: 0 2px 12px #0008;
    display: flex;
    align-items: center;
    justify-content: space-between;
  }
  .logo {
    font-size: 2.3rem;
    font-weight: 700;
    color: #6ec4ff;
    letter-spacing: 1px;
  }
  .logo-badge {
    font-size: 1rem;
    margin-left: 14px;
    padding: 2px 12px;
    border-radius: 18px;
    background: #2d2644;
    color: #fff;
    border: 1px solid #5b7ccf;
    font-weight: 600;
  }
  .main-content {
    max-width: 680px;
    margin: 40px auto 0 auto;
    padding: 24px;
    background: rgba(20, 28, 52, 0.95);
    border-radius: 22px;
    box-shadow: 0 4px 24px #0004;
  }
  .section-title {
    font-size: 1.6rem;
    font-weight: 700;
    margin-bottom: 8px;
    color: #cfe3ff;
    letter-spacing: 1px;
  }
  .stats-box {
    display: flex;
    gap: 18px;
    margin: 18px 0 32px 0;
  }
  .stat {
    flex: 1;
    background: #181e31;
    border-radius: 15px;
    padding: 24px 0 18px 0;
    text-align: center;
    border: 1.5px solid #324469;
    box-shadow: 0 1px 6px #0005;
  }
  .stat .count {
    font-size: 1.9rem;
    font-weight: 700;
    color: #fff;
    display: block;
    margin-bottom: 2px;
  }
  .stat .desc {
    font-size: 1.08rem;
    color: #a9c4ec;
    font-weight: 500;
  }
  .peerlist {
    background: #20233b;
    border-radius: 12px;
    padding: 0;
    margin: 0;
    list-style: none;
    border: 1px solid #2f3953;
    overflow: hidden;
  }
  .peeritem {
    display: flex;
    align-items: center;
    padding: 14px 18px;
    border-bottom: 1px solid #232e40;
    font-size: 1.08rem;
    color: #e7f1ff;
    gap: 14px;
  }
  .peeritem:last-child {
    border-bottom: none;
  }
  .peerstatus {
    margin-left: auto;
    padding: 2px 14px;
    background: #1bbd6a;
    color: #fff;
    border-radius: 12px;
    font-size: 0.96rem;
    font-weight: 600;
  }
  .footer {
    text-align: right;
    color: #8797b8;
    font-size: 1rem;
    margin-top: 40px;
    padding-bottom: 16px;
  }
  @media (max-width: 600px) {
    .main-content { padding: 10px; margin: 18px 2vw 0 2vw; }
    .stats-box { flex-direction: column; gap: 12px; }
  }
  </style>
</head>
<body>
  <div class="top-bar">
    <span class="logo">Relaywire <span class="logo-badge">UDP relay</span></span>
    <span>{{.Hostname}}</span>
  </div>
  <div class="main-content">
    <div class="section-title">Broker Stats</div>
    <div class="stats-box">
      <div class="stat">
        <span class="count">{{.TotalPeers}}</span>
        <span class="desc">Peers Online</span>
      </div>
      <div class="stat">
        <span class="count">{{.FramesRelayed}}</span>
        <span class="desc">Frames Relayed</span>
      </div>
      <div class="stat">
        <span class="count">{{.TransfersInFlight}}</span>
        <span class="desc">Active Transfers</span>
      </div>
      <div class="stat">
        <span class="count">{{.TotalTransfers}}</span>
        <span class="desc">Total Transfers</span>
      </div>
    </div>
    <div class="section-title">Peers on the Network</div>
    <ul class="peerlist">
      {{- range .Peers }}
      <li class="peeritem">
        <span>{{ . }}</span>
        <span class="peerstatus">Online</span>
      </li>
      {{- end }}
    </ul>
  </div>
  <div class="footer">Relaywire broker on {{.Addr}} since {{.StartTime}}</div>
</body>
</html>
`
