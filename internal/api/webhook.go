package api

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
)

// Webhook is a job.Callback that notifies a remote producer by POSTing
// {"job_id": id} to URL. Delivery is attempted once.
type Webhook struct {
	URL    string
	client *http.Client
}

func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{URL: url, client: client}
}

func (wh *Webhook) JobDone(id string) {
	body, _ := json.Marshal(map[string]string{"job_id": id})

	resp, err := wh.client.Post(wh.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("Webhook for job %s failed: %v", id, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("Webhook for job %s returned %s", id, resp.Status)
	}
}
