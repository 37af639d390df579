// Command doclift is a small client for the doclift API: upload a PDF, poll
// its metadata until extraction settles, fetch the extracted text.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func main() {
	apiURL := flag.String("api", "http://127.0.0.1:5000", "base URL of the doclift API")
	wait := flag.Bool("wait", false, "poll until the job reaches a terminal outcome (status command)")
	interval := flag.Duration("interval", time.Second, "poll interval used with -wait")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up after this long with -wait")
	flag.Parse()

	if flag.NArg() < 2 {
		usage()
	}
	cmd, arg := flag.Arg(0), flag.Arg(1)

	client := &http.Client{Timeout: 30 * time.Second}
	var err error
	switch cmd {
	case "upload":
		err = upload(client, *apiURL, arg)
	case "status":
		err = status(client, *apiURL, arg, *wait, *interval, *timeout)
	case "text":
		err = text(client, *apiURL, arg)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  doclift [flags] upload <file.pdf>
  doclift [flags] status <id>
  doclift [flags] text <id>`)
	flag.PrintDefaults()
	os.Exit(2)
}

func upload(client *http.Client, api, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("pdf_file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := client.Post(api+"/documents", mw.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func status(client *http.Client, api, id string, wait bool, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := client.Get(api + "/documents/" + id)
		if err != nil {
			return err
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if !wait || resp.StatusCode != http.StatusOK {
			fmt.Println(string(bytes.TrimSpace(b)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		}

		var view struct {
			TaskState string `json:"task_state"`
		}
		if err := json.Unmarshal(b, &view); err != nil {
			return err
		}
		if view.TaskState == "SUCCESS" || view.TaskState == "FAILURE" {
			fmt.Println(string(bytes.TrimSpace(b)))
			return nil
		}
		if time.Now().After(deadline) {
			fmt.Println(string(bytes.TrimSpace(b)))
			return fmt.Errorf("still %s after %s", view.TaskState, timeout)
		}
		time.Sleep(interval)
	}
}

func text(client *http.Client, api, id string) error {
	resp, err := client.Get(api + "/text/" + id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printResponseErr(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func printResponse(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(b)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printResponseErr(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(os.Stderr, string(bytes.TrimSpace(b)))
	return fmt.Errorf("status %d", resp.StatusCode)
}
