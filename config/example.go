package config

import _ "embed"

// Example is a commented configuration file written by "shadesd init".
//
//go:embed example.yaml
var Example []byte

// EnvExample lists the secrets Example references.
const EnvExample = `CRESTRON_AUTH_TOKEN=
VAPID_PUBLIC_KEY=
VAPID_PRIVATE_KEY=
`
