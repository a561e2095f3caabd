// Package workloadapi is a small SPIFFE Workload API client built on the
// channel package.
//
// It fetches X.509 SVIDs and trust bundles and parses them with go-spiffe.
// It performs no verification beyond parsing; callers that need chain
// validation should hand the results to x509svid.Verify.
//
// Example:
//
//	client, err := workloadapi.New("unix:///tmp/spire-agent/public/api.sock")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	svids, err := client.FetchX509SVIDs(ctx)
//	if err != nil {
//	    return fmt.Errorf("fetch SVIDs: %w", err)
//	}
//	fmt.Println(svids[0].ID)
package workloadapi
