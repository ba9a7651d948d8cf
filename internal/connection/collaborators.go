package connection

// SocketClient is the transport the recovery handler drives. The socket
// implementation reports state transitions back via
// RecoveryHandler.OnConnectionStateChange.
type SocketClient interface {
	Connect()
	Disconnect(source Source)
	// Timeout forces the in-flight connection attempt to fail so a fresh
	// retry can begin.
	Timeout()
}

// BackgroundTaskHandle identifies a platform background-execution grant.
type BackgroundTaskHandle int

// BackgroundScheduler is the platform collaborator that grants background
// execution time while the host app is backgrounded.
type BackgroundScheduler interface {
	// BeginTask requests a grant; expiration is invoked when the grant is
	// about to run out. ok is false when the platform refuses.
	BeginTask(expiration func()) (handle BackgroundTaskHandle, ok bool)
	EndTask(handle BackgroundTaskHandle)
}

// NoBackgroundScheduler is a BackgroundScheduler for platforms without
// background-execution grants; BeginTask always refuses.
type NoBackgroundScheduler struct{}

func (NoBackgroundScheduler) BeginTask(func()) (BackgroundTaskHandle, bool) { return 0, false }

func (NoBackgroundScheduler) EndTask(BackgroundTaskHandle) {}

// ReachabilityMonitor is the platform collaborator watching network
// availability. Start installs the change callback; Stop releases it.
type ReachabilityMonitor interface {
	Start(onChange func(available bool))
	Stop()
}

// NoReachabilityMonitor assumes the network is always available.
type NoReachabilityMonitor struct{}

func (NoReachabilityMonitor) Start(func(available bool)) {}

func (NoReachabilityMonitor) Stop() {}
