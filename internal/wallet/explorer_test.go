package wallet

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestExplorer(t *testing.T) (*Explorer, *[]string) {
	t.Helper()
	var posted []string
	mux := http.NewServeMux()
	mux.HandleFunc("/address/tb1q/utxo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"txid":"aa","vout":1,"value":600000,"status":{"confirmed":true,"block_height":100}},
			{"txid":"bb","vout":0,"value":1000,"status":{"confirmed":false}}
		]`))
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("105\n"))
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		posted = append(posted, string(body))
		w.Write([]byte("cafe"))
	})
	mux.HandleFunc("/address/missing/utxo", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid Bitcoin address", http.StatusBadRequest)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewExplorer(srv.URL + "/"), &posted
}

func TestExplorerUTXOs(t *testing.T) {
	e, _ := newTestExplorer(t)
	ctx := context.Background()

	utxos, err := e.UTXOs(ctx, "tb1q")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, int64(600000), utxos[0].Value)

	tip, err := e.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(105), tip)

	require.Equal(t, int64(6), utxos[0].Confirmations(tip))
	require.Zero(t, utxos[1].Confirmations(tip))
}

func TestExplorerBroadcast(t *testing.T) {
	e, posted := newTestExplorer(t)

	txid, err := e.Broadcast(context.Background(), "0100")
	require.NoError(t, err)
	require.Equal(t, "cafe", txid)
	require.Equal(t, []string{"0100"}, *posted)
}

func TestExplorerAPIError(t *testing.T) {
	e, _ := newTestExplorer(t)

	_, err := e.UTXOs(context.Background(), "missing")
	require.ErrorContains(t, err, "API error 400")
}
