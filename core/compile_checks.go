package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ VerifierRegistry      = (*ProviderVerifierRegistry)(nil)
	_ RuntimeConfigProvider = (*StaticRuntimeConfigProvider)(nil)
	_ PurchaseVerifier      = PurchaseVerifierFunc(nil)
	_ WebhookDecoder        = WebhookDecoderFunc(nil)
	_ RawConfigLoader       = EnvConfigLoader{}
	_ RawConfigLoader       = FileConfigLoader{}
	_ RawConfigLoader       = ChainConfigLoader(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
