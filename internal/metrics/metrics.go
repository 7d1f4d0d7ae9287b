// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeUnpaid    = "unpaid"
	OutcomeInvalid   = "invalid_signature"
)

// Recorder はメトリクス収集のインターフェース。
// サービス層と外部サービスクライアントから利用する。
type Recorder interface {
	RecordCheckoutCreated()
	RecordAlreadyPurchased()
	RecordWebhookEvent(eventType, outcome string)
	RecordProvisioning(source, outcome string)
	RecordMagicLink(outcome string)
	RecordAccessRequest(result string)
	ObserveProviderCall(provider, operation string, duration time.Duration, err error)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkoutCreated  prometheus.Counter
	alreadyPurchased prometheus.Counter
	webhookEvents    *prometheus.CounterVec
	provisioning     *prometheus.CounterVec
	magicLinks       *prometheus.CounterVec
	accessRequests   *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkoutCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "speakfuel_checkout_sessions_created_total",
			Help: "作成した決済セッションの合計数",
		}),
		alreadyPurchased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "speakfuel_checkout_already_purchased_total",
			Help: "購入済みのため決済を拒否した合計数",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speakfuel_webhook_events_total",
			Help: "種別・結果別のWebhookイベント数",
		}, []string{"type", "outcome"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speakfuel_provisioning_total",
			Help: "経路・結果別のアカウント払い出し数",
		}, []string{"source", "outcome"}),
		magicLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speakfuel_magic_links_total",
			Help: "結果別のマジックリンク送信数",
		}, []string{"outcome"}),
		accessRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speakfuel_access_requests_total",
			Help: "結果別のアクセス要求数",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speakfuel_provider_call_duration_seconds",
			Help:    "外部サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speakfuel_provider_call_errors_total",
			Help: "外部サービス呼び出しの失敗数",
		}, []string{"provider", "operation"}),
	}

	reg.MustRegister(
		c.checkoutCreated,
		c.alreadyPurchased,
		c.webhookEvents,
		c.provisioning,
		c.magicLinks,
		c.accessRequests,
		c.providerLatency,
		c.providerErrors,
	)

	return c
}

// RecordCheckoutCreated は決済セッションの作成を記録する。
func (c *Collector) RecordCheckoutCreated() {
	c.checkoutCreated.Inc()
}

// RecordAlreadyPurchased は購入済みによる拒否を記録する。
func (c *Collector) RecordAlreadyPurchased() {
	c.alreadyPurchased.Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordProvisioning はアカウント払い出しの結果を記録する。
// sourceはwebhook / client_confirm / admin のいずれか。
func (c *Collector) RecordProvisioning(source, outcome string) {
	c.provisioning.WithLabelValues(source, outcome).Inc()
}

// RecordMagicLink はマジックリンク送信の結果を記録する。
func (c *Collector) RecordMagicLink(outcome string) {
	c.magicLinks.WithLabelValues(outcome).Inc()
}

// RecordAccessRequest はアクセス要求の結果を記録する。
func (c *Collector) RecordAccessRequest(result string) {
	c.accessRequests.WithLabelValues(result).Inc()
}

// ObserveProviderCall は外部サービス呼び出しのレイテンシと失敗を記録する。
func (c *Collector) ObserveProviderCall(provider, operation string, duration time.Duration, err error) {
	c.providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		c.providerErrors.WithLabelValues(provider, operation).Inc()
	}
}

// NopRecorder は何も記録しないRecorder。テストやCLIで使用する。
type NopRecorder struct{}

func (NopRecorder) RecordCheckoutCreated()                                   {}
func (NopRecorder) RecordAlreadyPurchased()                                  {}
func (NopRecorder) RecordWebhookEvent(string, string)                        {}
func (NopRecorder) RecordProvisioning(string, string)                        {}
func (NopRecorder) RecordMagicLink(string)                                   {}
func (NopRecorder) RecordAccessRequest(string)                               {}
func (NopRecorder) ObserveProviderCall(string, string, time.Duration, error) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = NopRecorder{}
)
