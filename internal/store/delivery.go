package store

// WebhookDelivery is one queued webhook attempt. Failed deliveries stay in
// the queue with status "failed" and can be revived by the retry endpoint.
type WebhookDelivery struct {
    ID             string
    TenantID       string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}
