package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/uhyunpark/runeswap/params"
	"github.com/uhyunpark/runeswap/pkg/api"
	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/crypto"
	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/protocol"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

func main() {
	network := flag.String("network", "regtest", "mainnet, testnet, signet or regtest")
	existing := flag.String("key", "", "hex private key to inspect instead of generating one")
	flag.Parse()

	net, err := params.Config{Network: *network}.ChainParams()
	if err != nil {
		fail(err)
	}

	// Step 1: Generate or load key
	var signer *crypto.Signer
	if *existing != "" {
		signer, err = crypto.FromPrivateKeyHex(*existing)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fail(err)
	}
	w, err := wallet.NewKeySigner(signer.PrivateKeyBytes(), net)
	if err != nil {
		fail(err)
	}

	fmt.Printf("NODE_KEY=%s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	fmt.Printf("Channel key: %s\n", signer.ChannelKey())
	fmt.Printf("Address (%s): %s\n\n", net.Name, w.Address())

	// Step 2: Prove the key works on the bus
	kind, data, err := protocol.Encode(protocol.Ping{Nonce: "keygen"})
	if err != nil {
		fail(err)
	}
	env, err := p2p.Seal(signer, kind, data)
	if err != nil {
		fail(err)
	}
	if err := env.Verify(); err != nil {
		fmt.Println("✗ Envelope signature INVALID")
		fail(err)
	}
	fmt.Println("✓ Envelope signature VALID")
	fmt.Printf("  Signer: %s\n\n", env.From)

	// Step 3: Show how to place an order on a node run with this key
	body, _ := json.MarshalIndent(api.SubmitOrderRequest{
		AssetID: "840000:3", Side: core.Ask, Quantity: 1000, Price: 500,
	}, "", "  ")
	fmt.Println("To place an ask on a node started with this NODE_KEY:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(body))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
