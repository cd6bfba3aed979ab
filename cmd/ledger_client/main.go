// ledger_client 對帳本 gRPC 服務發出單次查詢，協助確認閘道看到的帳本事實
//
//	ledger_client -addr localhost:9090 record 42
//	ledger_client user 0xB2
//	ledger_client consent 42 0xC3
//	ledger_client emergency 0xD4 42
//	ledger_client find QmX
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/server"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "帳本 gRPC 地址")
	caFile := flag.String("ca", "", "CA 憑證（設定後啟用 TLS）")
	serverName := flag.String("server-name", "", "TLS 伺服器名稱")
	timeout := flag.Duration("timeout", 5*time.Second, "單次查詢超時")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}

	conn, err := server.DialLedger(config.LedgerConfig{
		Address:    *addr,
		TLSEnabled: *caFile != "",
		CAFile:     *caFile,
		ServerName: *serverName,
	})
	if err != nil {
		log.Fatalf("連接失敗: %v", err)
	}
	defer conn.Close()

	client := ledger.NewGRPCClient(conn, *timeout)
	if err := query(context.Background(), client, flag.Args()); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fmt.Println("not found")
			return
		}
		log.Fatalf("查詢失敗: %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ledger_client [flags] record <id> | user <identity> | consent <id> <identity> | emergency <identity> <id> | find <content-hash>\n")
	flag.PrintDefaults()
}

func query(ctx context.Context, client ledger.Ledger, args []string) error {
	switch args[0] {
	case "record":
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		rec, err := client.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("record %d\n  owner: %s\n  hospital: %d\n  content hash: %s\n", rec.ID, rec.Owner, rec.HospitalID, rec.ContentHash)

	case "user":
		u, err := client.GetUser(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("user %s\n  role: %s\n  hospital: %d\n  registered: %v\n", u.Identity, u.Role, u.HospitalID, u.Registered)

	case "consent":
		if len(args) < 3 {
			return errors.New("consent 需要紀錄編號與身分")
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		given, err := client.IsConsentGiven(ctx, id, args[2])
		if err != nil {
			return err
		}
		fmt.Printf("consent record=%d identity=%s: %v\n", id, args[2], given)

	case "emergency":
		if len(args) < 3 {
			return errors.New("emergency 需要身分與紀錄編號")
		}
		id, err := parseID(args[2])
		if err != nil {
			return err
		}
		expiry, err := client.GetEmergencyExpiry(ctx, args[1], id)
		if err != nil {
			return err
		}
		if expiry.IsZero() {
			fmt.Printf("emergency identity=%s record=%d: none\n", args[1], id)
			return nil
		}
		fmt.Printf("emergency identity=%s record=%d: expires %s (active: %v)\n",
			args[1], id, expiry.Format(time.RFC3339), expiry.After(time.Now()))

	case "find":
		id, err := client.FindRecordByContentHash(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("content hash %s → record %d\n", args[1], id)

	default:
		return fmt.Errorf("未知的查詢: %s", args[0])
	}
	return nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("無效的紀錄編號: %q", raw)
	}
	return id, nil
}
