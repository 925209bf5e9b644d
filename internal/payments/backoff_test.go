package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	s := &Service{cfg: Config{RetryBase: 100 * time.Millisecond, RetryCap: time.Second}}

	require.Equal(t, 100*time.Millisecond, s.retryDelay(1))
	require.Equal(t, 200*time.Millisecond, s.retryDelay(2))
	require.Equal(t, 400*time.Millisecond, s.retryDelay(3))
	require.Equal(t, 800*time.Millisecond, s.retryDelay(4))
	require.Equal(t, time.Second, s.retryDelay(5))
	require.Equal(t, time.Second, s.retryDelay(50))
}
