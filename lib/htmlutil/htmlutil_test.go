package htmlutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageContains(t *testing.T) {
	page := []byte(`<html><head><script>var x = "服务工单";</script></head>
<body><div class="title">  服务工单
	列表 </div></body></html>`)

	found, err := PageContains(context.Background(), page, "服务工单")
	require.NoError(t, err)
	require.True(t, found)

	login := []byte(`<html><head><script>var x = "服务工单";</script></head><body><form>login</form></body></html>`)
	found, err = PageContains(context.Background(), login, "服务工单")
	require.NoError(t, err)
	require.False(t, found, "script contents must not count as page text")
}

func TestFirstText(t *testing.T) {
	page := []byte(`<div><p class="err">  wrong
	  password </p><p class="err">second</p></div>`)
	require.Equal(t, "wrong password", FirstText(page, "p.err"))
	require.Equal(t, "", FirstText(page, "span"))
}
