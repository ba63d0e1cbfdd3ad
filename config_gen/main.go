/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each user.
The generated configuration file particularly contains the Schnorr private key of the user
and the public keys of every user, so that all messages of the room can be verified.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/gitzhang10/friends/sign"
	"github.com/spf13/viper"
)

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with users as a string map from username to listen address
	usersInterface := viperRead.GetStringMap("users")
	if len(usersInterface) == 0 {
		panic("users in the config file must not be empty")
	}
	usersAddr := make(map[string]string, len(usersInterface))
	userNames := make([]string, 0, len(usersInterface))
	for name, addr := range usersInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("users in the config file cannot be decoded correctly")
		}
		usersAddr[name] = addrAsString
		userNames = append(userNames, name)
	}
	sort.Strings(userNames)

	// create the Schnorr keys
	privKeys := make(map[string]string, len(userNames))
	pubKeys := make(map[string]string, len(userNames))
	for _, name := range userNames {
		private, public := sign.GenKeys()
		privAsBytes, err := sign.EncodePrivateKey(private)
		if err != nil {
			panic("fail encode the private key")
		}
		pubAsBytes, err := sign.EncodePublicKey(public)
		if err != nil {
			panic("fail encode the public key")
		}
		privKeys[name] = hex.EncodeToString(privAsBytes)
		pubKeys[name] = hex.EncodeToString(pubAsBytes)
	}

	// load simple parameter
	logLevel := viperRead.GetInt("log_level")
	rendezvous := viperRead.GetString("rendezvous")
	signalHubURL := viperRead.GetString("signalhub_url")
	mdns := viperRead.GetBool("mdns")
	storeBackend := viperRead.GetString("store_backend")
	backlog := viperRead.GetInt("backlog")

	// write to configure files
	for _, name := range userNames {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))

		var staticPeers []string
		for _, other := range userNames {
			if other != name {
				staticPeers = append(staticPeers, usersAddr[other])
			}
		}

		viperWrite.Set("name", name)
		viperWrite.Set("listen_addr", usersAddr[name])
		viperWrite.Set("static_peers", staticPeers)
		viperWrite.Set("rendezvous", rendezvous)
		viperWrite.Set("signalhub_url", signalHubURL)
		viperWrite.Set("mdns", mdns)
		viperWrite.Set("store_backend", storeBackend)
		if storeBackend == "bolt" || storeBackend == "sqlite" {
			viperWrite.Set("store_path", fmt.Sprintf("data/%s.%s", name, storeBackend))
		}
		viperWrite.Set("backlog", backlog)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("privkey", privKeys[name])
		viperWrite.Set("users_pubkey", pubKeys)
		_ = viperWrite.WriteConfig()
	}
	fmt.Println("generated configuration for", strings.Join(userNames, ", "))
}
