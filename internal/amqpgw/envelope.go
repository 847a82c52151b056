package amqpgw

import "time"

// Envelope is the AMQP wire format published for every dispatched file.
type Envelope struct {
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// DownloadJob is the inbound message schema consumed by the SFTP
// executor.
type DownloadJob struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Size   *int64 `json:"size,omitempty"`
	Hash   string `json:"hash,omitempty"`
}
