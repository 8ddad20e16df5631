package web

import (
	"time"

	"gpslink/internal/gps"
	"gpslink/internal/link"
)

// Controller is the part of link.Controller the HTTP surface drives.
type Controller interface {
	Connect(host string, port int)
	Disconnect()
	Reconnect()
	Subscribe(buffer int) (int, <-chan link.Update)
	Unsubscribe(id int)
	Last() link.Update
}

type StatusSnapshot struct {
	Service   string         `json:"service"`
	NowUTC    string         `json:"now_utc"`
	UptimeSec int64          `json:"uptime_sec"`
	Seq       uint64         `json:"seq"`
	State     link.State     `json:"state"`
	Status    string         `json:"status"`
	Endpoint  *link.Endpoint `json:"endpoint,omitempty"`
	Fix       *gps.GeoFix    `json:"fix,omitempty"`
	UpdateUTC string         `json:"update_utc,omitempty"`
}

func snapshot(start time.Time, nowUTC time.Time, u link.Update) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   "gpslink",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Seq:       u.Seq,
		State:     u.State,
		Status:    u.Status,
		Endpoint:  u.Endpoint,
		Fix:       u.Fix,
	}
	if !u.At.IsZero() {
		snap.UpdateUTC = u.At.UTC().Format(time.RFC3339Nano)
	}
	return snap
}
