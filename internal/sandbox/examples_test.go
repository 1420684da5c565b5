package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinel/internal/exchange"
	logx "sentinel/pkg/logx"
)

func TestExamplePluginsCompile(t *testing.T) {
	files, err := filepath.Glob("../../examples/plugins/*.tengo")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	rt := NewRuntime(Limits{}, nil, logx.Nop())
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		id := strings.TrimSuffix(filepath.Base(f), ".tengo")
		_, err = rt.Load(context.Background(), id, string(b), []string{CapProbe})
		require.NoError(t, err, f)
		require.NotEmpty(t, rt.Hooks(id), f)
	}
}

func TestSQLErrorExampleFlagsDatabaseErrors(t *testing.T) {
	b, err := os.ReadFile("../../examples/plugins/sql_errors.tengo")
	require.NoError(t, err)
	rt := NewRuntime(Limits{}, nil, logx.Nop())
	_, err = rt.Load(context.Background(), "sql_errors", string(b), nil)
	require.NoError(t, err)

	ex := exchange.NewExchange("http", "shop.test", 80, "GET", "/item", "id=1'", nil, nil)
	resp := &exchange.CapturedResponse{ExchangeID: ex.ID, Status: 500, Body: []byte("<b>Warning: mysql_fetch_array()</b>"), ContentEncodingOK: true}
	got, err := rt.Invoke(context.Background(), "sql_errors", HookScanResponse, Input{Exchange: ex, Response: resp})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "sqli", got[0].VulnType)
	require.Equal(t, exchange.High, got[0].Severity)
}

func TestTrailingCommaInLiteralIsRejected(t *testing.T) {
	rt := NewRuntime(Limits{}, nil, logx.Nop())
	_, err := rt.Load(context.Background(), "comma", "xs := [\n\t1,\n\t2,\n]\nscan_request := func(ctx) {}\n", nil)
	require.Error(t, err)

	_, err = rt.Load(context.Background(), "nocomma", "xs := [\n\t1,\n\t2\n]\nscan_request := func(ctx) {}\n", nil)
	require.NoError(t, err)
}
