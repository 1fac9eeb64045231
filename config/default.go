package config

// DefaultValues is the default configuration
const DefaultValues = `
[Log]
Environment = "development"
Level = "info"
Outputs = ["stderr"]

[Chain]
URL = "http://localhost:8899"
RequestTimeout = "30s"

[Prover]
Mode = "memory"
URL = "http://localhost:9011"
RequestTimeout = "2m"

[Agent]
DataDir = "./cipher-data"
WalletPath = ""
PublicHost = ""
ReannounceInterval = "5m"
TreeRefreshInterval = "1m"

[Agent.DHT]
Host = "0.0.0.0"
Port = 8549
Seeds = []
AllowPrivate = false

[Agent.Share]
Host = "0.0.0.0"
Port = 8550
BeaconPort = 8548
BeaconEnabled = true
AllowPrivate = false

[Agent.Relayer]
Enabled = false
Fee = 0
MinDelay = "30s"
MaxDelay = "5m"

[Agent.Mix]
Enabled = false
Amount = 1000000
DepositMinDelay = "1m"
DepositMaxDelay = "10m"
WithdrawMinDelay = "2m"
WithdrawMaxDelay = "20m"
Deadline = "0s"
`
