// Command mock-prometheus serves a tiny Prometheus-compatible query_range
// endpoint with synthetic diurnal series, enough to exercise the full
// learn-detect-plan loop locally. Set SPIKE=1 to inject an anomaly on the
// most recent samples.
package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"
)

type sample [2]any

type series struct {
	Metric map[string]string `json:"metric"`
	Values []sample          `json:"values"`
}

func main() {
	spike := os.Getenv("SPIKE") == "1"

	mux := http.NewServeMux()
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, err1 := strconv.ParseInt(q.Get("start"), 10, 64)
		end, err2 := strconv.ParseInt(q.Get("end"), 10, 64)
		step, err3 := strconv.ParseInt(q.Get("step"), 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || step <= 0 {
			http.Error(w, `{"status":"error","error":"bad range"}`, http.StatusBadRequest)
			return
		}

		values := make([]sample, 0, (end-start)/step)
		for ts := start; ts <= end; ts += step {
			hour := time.Unix(ts, 0).UTC().Hour()
			// Diurnal shape: quiet nights, busy afternoons.
			value := 100 + 30*math.Sin(float64(hour)/24*2*math.Pi)
			if spike && end-ts < 3*step {
				value *= 2.5
			}
			values = append(values, sample{ts, strconv.FormatFloat(value, 'f', 2, 64)})
		}

		writeJSON(w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "matrix",
				"result": []series{{
					Metric: map[string]string{
						"__name__":  "synthetic",
						"service":   "checkout",
						"namespace": "development",
					},
					Values: values,
				}},
			},
		})
	})

	addr := ":9090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	log.Printf("mock prometheus listening on %s (spike=%v)", addr, spike)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
