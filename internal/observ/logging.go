package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Anomaly logs an anomalous-but-survivable condition and bumps its counter so
// operators can alert on rates rather than grepping logs.
func Anomaly(event string, kv map[string]any) {
	IncCounter("anomalies_total", map[string]string{"kind": event})
	Log(event, kv)
}
